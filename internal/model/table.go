package model

import (
	"fmt"
	"strconv"
	"strings"
)

// NoRegion marks a system table that is not part of a partition tree.
const NoRegion int64 = -1

// TableName identifies one storage engine instance.
type TableName struct {
	Group    string `json:"group" msgpack:"group"`
	Table    string `json:"table" msgpack:"table"`
	RegionID int64  `json:"region_id" msgpack:"region_id"`
}

// NewTableName returns the name of table in region regionID of group.
func NewTableName(group, table string, regionID int64) TableName {
	return TableName{Group: group, Table: table, RegionID: regionID}
}

// IsDistributed reports whether the table belongs to a partition region.
func (t TableName) IsDistributed() bool {
	return t.RegionID != NoRegion
}

// WithRegion returns the same table placed in another region.
func (t TableName) WithRegion(regionID int64) TableName {
	t.RegionID = regionID
	return t
}

// DirName is the per-table directory below the group directory.
func (t TableName) DirName() string {
	if !t.IsDistributed() {
		return t.Table
	}
	return t.Table + "_" + strconv.FormatInt(t.RegionID, 10)
}

// String renders group_table_regionid, or group_table for system tables.
func (t TableName) String() string {
	return t.Group + "_" + t.DirName()
}

// ParseTableDir reverses DirName for a directory found under group.
func ParseTableDir(group, dir string) (TableName, error) {
	idx := strings.LastIndexByte(dir, '_')
	if idx < 0 {
		return TableName{Group: group, Table: dir, RegionID: NoRegion}, nil
	}
	id, err := strconv.ParseInt(dir[idx+1:], 10, 64)
	if err != nil || id < 0 || idx == 0 {
		return TableName{}, fmt.Errorf("unrecognised table directory %q", dir)
	}
	return TableName{Group: group, Table: dir[:idx], RegionID: id}, nil
}

// ParseTableName reverses String.
func ParseTableName(s string) (TableName, error) {
	idx := strings.IndexByte(s, '_')
	if idx <= 0 {
		return TableName{}, fmt.Errorf("table name %q has no group prefix", s)
	}
	return ParseTableDir(s[:idx], s[idx+1:])
}
