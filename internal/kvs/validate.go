package kvs

import "fmt"

// CloudFront KeyValueStore limits.
// See: https://docs.aws.amazon.com/AmazonCloudFront/latest/DeveloperGuide/cloudfront-limits.html
const (
	MaxKeyBytes   = 512
	MaxEntryBytes = 1024    // key + value
	MaxTotalBytes = 5242880 // 5 MB
)

// ValidationError describes a single limit violation.
type ValidationError struct {
	Key     string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Message)
}

// Stats summarizes the size of a set of entries.
type Stats struct {
	NumKeys    int
	TotalBytes int
}

// Measure returns the key count and byte size of entries.
func Measure(entries []Entry) Stats {
	total := 0
	for _, e := range entries {
		total += len(e.Key) + len(e.Value)
	}
	return Stats{NumKeys: len(entries), TotalBytes: total}
}

// Validate checks entries against the store limits and returns every
// violation found.
func Validate(entries []Entry) []ValidationError {
	var errs []ValidationError
	for _, e := range entries {
		keySize := len(e.Key)
		entrySize := keySize + len(e.Value)
		if keySize > MaxKeyBytes {
			errs = append(errs, ValidationError{
				Key:     e.Key,
				Message: fmt.Sprintf("key exceeds %d bytes (%d bytes)", MaxKeyBytes, keySize),
			})
		}
		if entrySize > MaxEntryBytes {
			errs = append(errs, ValidationError{
				Key:     e.Key,
				Message: fmt.Sprintf("key+value exceeds %d bytes (%d bytes)", MaxEntryBytes, entrySize),
			})
		}
	}

	if stats := Measure(entries); stats.TotalBytes > MaxTotalBytes {
		errs = append(errs, ValidationError{
			Key:     "(total)",
			Message: fmt.Sprintf("total data exceeds %d bytes (%d bytes)", MaxTotalBytes, stats.TotalBytes),
		})
	}
	return errs
}
