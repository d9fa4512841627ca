package lsm

import (
	"github.com/go-playground/validator/v10"
)

// NoExpiry is the ttl sentinel meaning "never expires" (spec §3).
const NoExpiry int64 = -1

var cfgValidate = validator.New()

// Config is the top-level database configuration (spec §6).
type Config struct {
	DBPath        string
	CompressedWAL bool
}

// CFConfig is the immutable-after-create configuration of a column family
// (spec §3). Validated with struct tags the way the corpus's request/config
// types are validated, rather than a hand-rolled chain of if-statements.
type CFConfig struct {
	Name           string  `validate:"min=2"`
	FlushThreshold int32   `validate:"min=1048576"`
	MaxLevel       int32   `validate:"min=5"`
	Probability    float32 `validate:"min=0.1"`
	Compressed     bool
}

// Validate checks CFConfig against the spec's per-field minimums, returning
// the specific Kind the spec names for each violation rather than a generic
// validation error.
func (c CFConfig) Validate() *Error {
	if c.Name == "" {
		return newErr(KindNullArg, "column family name is required")
	}
	if err := cfgValidate.Struct(c); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok || len(verrs) == 0 {
			return wrapErr(KindSerializationFailed, "validating column family config", err)
		}
		for _, fe := range verrs {
			switch fe.Field() {
			case "Name":
				return newErr(KindNameTooShort, "column family name must be at least 2 characters")
			case "FlushThreshold":
				return newErr(KindThresholdTooLow, "flush_threshold must be >= 1048576 bytes")
			case "MaxLevel":
				return newErr(KindLevelTooLow, "max_level must be >= 5")
			case "Probability":
				return newErr(KindProbabilityTooLow, "probability must be >= 0.1")
			}
		}
		return wrapErr(KindSerializationFailed, "validating column family config", err)
	}
	return nil
}
