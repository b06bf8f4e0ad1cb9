package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/koromodako/datashark/internal/hasher"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the accepted log.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the accepted log.format values.
func ValidLogFormats() []string {
	return []string{"json", "text"}
}

// ValidWorkerCategories returns the accepted worker_category values.
func ValidWorkerCategories() []string {
	return []string{"local", "remote"}
}

// Validate checks c and returns every error found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateWorkers()...)
	errs = append(errs, c.validateHashing()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateDatabases()...)
	if c.WorkspaceDir == "" {
		errs = append(errs, ValidationError{Field: "workspace_dir", Value: c.WorkspaceDir, Message: "must not be empty"})
	}
	return errs
}

func (c *Config) validateWorkers() []ValidationError {
	var errs []ValidationError
	if c.MaxWorkers < 1 {
		errs = append(errs, ValidationError{Field: "max_workers", Value: c.MaxWorkers, Message: "must be at least 1"})
	}
	if !slices.Contains(ValidWorkerCategories(), c.WorkerCategory) {
		errs = append(errs, ValidationError{
			Field:   "worker_category",
			Value:   c.WorkerCategory,
			Message: "must be one of " + strings.Join(ValidWorkerCategories(), ", "),
		})
	}
	if c.WorkerCategory == "remote" {
		if c.Remote.Address == "" {
			errs = append(errs, ValidationError{Field: "remote.address", Value: c.Remote.Address, Message: "required for remote workers"})
		}
		if c.Remote.Timeout <= 0 {
			errs = append(errs, ValidationError{Field: "remote.timeout", Value: c.Remote.Timeout, Message: "must be positive"})
		}
	}
	return errs
}

func (c *Config) validateHashing() []ValidationError {
	if len(c.HashAlgorithms) == 0 {
		return []ValidationError{{Field: "hash_algorithms", Value: c.HashAlgorithms, Message: "must not be empty"}}
	}
	known := hasher.Algorithms()
	var errs []ValidationError
	for _, a := range c.HashAlgorithms {
		if !slices.Contains(known, a) {
			errs = append(errs, ValidationError{
				Field:   "hash_algorithms",
				Value:   a,
				Message: "unknown algorithm, expected one of " + strings.Join(known, ", "),
			})
		}
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidLogLevels(), c.Log.Level) {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: "must be one of " + strings.Join(ValidLogLevels(), ", "),
		})
	}
	if !slices.Contains(ValidLogFormats(), c.Log.Format) {
		errs = append(errs, ValidationError{
			Field:   "log.format",
			Value:   c.Log.Format,
			Message: "must be one of " + strings.Join(ValidLogFormats(), ", "),
		})
	}
	return errs
}

// validateDatabases checks the entries that are present. Missing entries
// are reported when the databases are opened.
func (c *Config) validateDatabases() []ValidationError {
	var errs []ValidationError
	names := DatabaseNames()
	keys := make([]string, 0, len(c.Databases))
	for name := range c.Databases {
		keys = append(keys, name)
	}
	slices.Sort(keys)
	for _, name := range keys {
		field := "databases." + name
		if !slices.Contains(names, name) {
			errs = append(errs, ValidationError{Field: field, Value: name, Message: "unknown database"})
			continue
		}
		if c.Databases[name].Connector == "" {
			errs = append(errs, ValidationError{Field: field + ".connector", Value: "", Message: "must not be empty"})
		}
	}
	return errs
}
