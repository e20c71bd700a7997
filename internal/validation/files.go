// Package validation rejects uploads and form input before they reach the network.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"slices"
	"strings"

	_ "golang.org/x/image/webp"
)

// Supported MIME types.
const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
	MIMEWebP = "image/webp"
	MIMEPDF  = "application/pdf"
)

// ErrValidation is the root of every error produced by this package.
var ErrValidation = errors.New("validation error")

// Code classifies why a file or field was rejected.
type Code string

const (
	CodeType       Code = "type"
	CodeSize       Code = "size"
	CodeDimensions Code = "dimensions"
	CodeDecode     Code = "decode"
	CodeCount      Code = "count"
	CodeEmpty      Code = "empty"
	CodeTooLong    Code = "too_long"
	CodeURL        Code = "url"
)

// FileError describes a single rejected file or field.
type FileError struct {
	Name   string
	Code   Code
	Reason string
}

func (e *FileError) Error() string {
	if e.Name == "" {
		return e.Reason
	}
	return e.Name + ": " + e.Reason
}

func (e *FileError) Unwrap() error {
	return ErrValidation
}

// Rules is the single configuration surface for upload limits.
type Rules struct {
	AllowedTypes []string
	MaxBytes     int64
	MinDimension int
	MaxDimension int
	MaxFiles     int
}

// DefaultRules returns the limits applied to recipe image uploads.
func DefaultRules() Rules {
	return Rules{
		AllowedTypes: []string{MIMEJPEG, MIMEPNG, MIMEWebP},
		MaxBytes:     10 << 20,
		MinDimension: 100,
		MaxDimension: 8192,
		MaxFiles:     10,
	}
}

// WithPDF returns a copy of r that also accepts PDF documents.
func (r Rules) WithPDF() Rules {
	if slices.Contains(r.AllowedTypes, MIMEPDF) {
		return r
	}
	out := r
	out.AllowedTypes = append(slices.Clone(r.AllowedTypes), MIMEPDF)
	return out
}

// File is an uploaded file held in memory.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the file size in bytes.
func (f File) Size() int64 {
	return int64(len(f.Data))
}

// ValidateFile checks type, size and, for images, pixel dimensions. It stops at
// the first failing check.
func ValidateFile(f File, rules Rules) error {
	contentType := normalizeContentType(f.ContentType)
	if !slices.Contains(rules.AllowedTypes, contentType) {
		return &FileError{
			Name:   f.Name,
			Code:   CodeType,
			Reason: fmt.Sprintf("unsupported file type %q (allowed: %s)", f.ContentType, strings.Join(rules.AllowedTypes, ", ")),
		}
	}

	if rules.MaxBytes > 0 && f.Size() > rules.MaxBytes {
		return &FileError{
			Name:   f.Name,
			Code:   CodeSize,
			Reason: fmt.Sprintf("file is %d bytes (max %d)", f.Size(), rules.MaxBytes),
		}
	}

	if contentType == MIMEPDF {
		return nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		return &FileError{Name: f.Name, Code: CodeDecode, Reason: "file could not be decoded as an image"}
	}

	shortest, longest := min(cfg.Width, cfg.Height), max(cfg.Width, cfg.Height)
	if (rules.MinDimension > 0 && shortest < rules.MinDimension) || (rules.MaxDimension > 0 && longest > rules.MaxDimension) {
		return &FileError{
			Name:   f.Name,
			Code:   CodeDimensions,
			Reason: fmt.Sprintf("image is %dx%d pixels (allowed %d-%d)", cfg.Width, cfg.Height, rules.MinDimension, rules.MaxDimension),
		}
	}

	return nil
}

// BatchResult partitions a batch of files.
type BatchResult struct {
	Valid      []File
	Invalid    []*FileError
	Truncated  []File
	CountError *FileError
}

// Messages returns one human-readable message per rejected file plus the
// count error, if any.
func (r BatchResult) Messages() []string {
	out := make([]string, 0, len(r.Invalid)+1)
	for _, fe := range r.Invalid {
		out = append(out, fe.Error())
	}
	if r.CountError != nil {
		out = append(out, r.CountError.Error())
	}
	return out
}

// Err joins every rejection into a single error, or returns nil.
func (r BatchResult) Err() error {
	errs := make([]error, 0, len(r.Invalid)+1)
	for _, fe := range r.Invalid {
		errs = append(errs, fe)
	}
	if r.CountError != nil {
		errs = append(errs, r.CountError)
	}
	return errors.Join(errs...)
}

// ValidateBatch validates each file independently and enforces the file count
// limit by keeping the first MaxFiles files.
func ValidateBatch(files []File, rules Rules) BatchResult {
	var result BatchResult

	kept := files
	if rules.MaxFiles > 0 && len(files) > rules.MaxFiles {
		kept = files[:rules.MaxFiles]
		result.Truncated = files[rules.MaxFiles:]
		result.CountError = &FileError{
			Code:   CodeCount,
			Reason: fmt.Sprintf("too many files: %d submitted, at most %d allowed; %d ignored", len(files), rules.MaxFiles, len(result.Truncated)),
		}
	}

	for _, f := range kept {
		if err := ValidateFile(f, rules); err != nil {
			var fe *FileError
			if errors.As(err, &fe) {
				result.Invalid = append(result.Invalid, fe)
				continue
			}
			result.Invalid = append(result.Invalid, &FileError{Name: f.Name, Code: CodeDecode, Reason: err.Error()})
			continue
		}
		result.Valid = append(result.Valid, f)
	}

	return result
}

func normalizeContentType(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if mediaType, _, found := strings.Cut(value, ";"); found {
		value = strings.TrimSpace(mediaType)
	}
	if value == "image/jpg" {
		return MIMEJPEG
	}
	return value
}
