package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/devrev/bboxkv/internal/bbox"
	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/model"
)

const (
	// Size limits
	MaxKeySize   = 1024             // 1 KB
	MaxValueSize = 10 * 1024 * 1024 // 10 MB
	MaxNameSize  = 128
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// Validator validates records and table names before they reach an engine
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidateRecord validates a record written to a table of the given
// dimensionality. dims <= 0 skips the dimension check.
func (v *Validator) ValidateRecord(rec *model.Record, dims int) error {
	if rec == nil {
		return errors.InvalidArgument("record is nil", nil)
	}
	if err := v.ValidateKey(rec.Key); err != nil {
		return err
	}
	if err := v.ValidateValue(rec.Value); err != nil {
		return err
	}
	if rec.InsertedAt < 0 {
		return errors.InvalidArgument(fmt.Sprintf("negative inserted_at %d", rec.InsertedAt), nil)
	}
	return ValidateRegion(rec.Region, dims)
}

// ValidateKey validates a key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidArgument("key cannot be empty", nil)
	}
	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}
	for _, r := range key {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			return errors.InvalidArgument("key cannot contain control characters", nil)
		}
	}
	if strings.Contains(key, "\x00") {
		return errors.InvalidArgument("key cannot contain null bytes", nil)
	}
	return nil
}

// ValidateValue validates a value
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.ValueTooLarge(len(value), v.maxValueSize)
	}
	return nil
}

// ValidateRegion checks the structural invariants of a bounding region.
func ValidateRegion(r bbox.BoundingRegion, dims int) error {
	if r.Dimensions() == 0 {
		return errors.InvalidRegion("region has no dimensions")
	}
	if dims > 0 && r.Dimensions() != dims {
		return errors.InvalidRegion(fmt.Sprintf("region has %d dimensions, table has %d", r.Dimensions(), dims))
	}
	for i, iv := range r.Intervals {
		if math.IsNaN(iv.Low) || math.IsNaN(iv.High) {
			return errors.InvalidRegion(fmt.Sprintf("dimension %d has a NaN bound", i))
		}
		if iv.Low > iv.High {
			return errors.InvalidRegion(fmt.Sprintf("dimension %d: low %v > high %v", i, iv.Low, iv.High))
		}
	}
	return nil
}

// ValidateName validates a group or table name. The underscore is reserved
// as the separator of on-disk and full table names.
func ValidateName(name string) error {
	if name == "" {
		return errors.InvalidName(name, "name cannot be empty")
	}
	if len(name) > MaxNameSize {
		return errors.InvalidName(name, fmt.Sprintf("name exceeds maximum size of %d bytes", MaxNameSize))
	}
	if !namePattern.MatchString(name) {
		return errors.InvalidName(name, "name must match "+namePattern.String())
	}
	return nil
}

// ValidateTableName validates every component of a table name.
func ValidateTableName(t model.TableName) error {
	if err := ValidateName(t.Group); err != nil {
		return err
	}
	if err := ValidateName(t.Table); err != nil {
		return err
	}
	if t.RegionID < model.NoRegion {
		return errors.InvalidArgument(fmt.Sprintf("invalid region id %d", t.RegionID), nil)
	}
	return nil
}

// EstimateRecordSize estimates the on-disk size of a record
func EstimateRecordSize(rec *model.Record) uint64 {
	// key + value + 17 bytes per interval + timestamps and framing
	return uint64(len(rec.Key)+len(rec.Value)) + uint64(rec.Region.Dimensions())*17 + 24
}
