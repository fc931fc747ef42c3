// Package serial handles unit serial-number generation, parsing, and
// validation. Serials are assigned when a lot is approved and units are
// minted; the admin assigns a separate system serial on completion.
package serial

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// serialRegex matches: SOOQ-{lotPrefix}-{sequence}
// Example: SOOQ-9f3a1c2b-0007
var serialRegex = regexp.MustCompile(`^SOOQ-([0-9a-f]{8})-(\d{4})$`)

var (
	ErrInvalidSerial = errors.New("serial: invalid serial number format")
)

// Serial is a parsed unit serial number.
type Serial struct {
	Number    string `json:"number"`
	LotPrefix string `json:"lot_prefix"`
	Sequence  int    `json:"sequence"`
}

// LotPrefix derives the serial prefix from a lot ID: the first eight hex
// characters with any UUID dashes removed.
func LotPrefix(lotID string) string {
	id := strings.ToLower(strings.ReplaceAll(lotID, "-", ""))
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// Generate builds the serial number for the seq-th unit of a lot,
// 1-based. Sequence numbers wrap at 9999, which bounds a single lot to
// 9999 units.
func Generate(lotID string, seq int) string {
	return fmt.Sprintf("SOOQ-%s-%04d", LotPrefix(lotID), seq)
}

// Parse parses and validates a serial number string.
// Format: SOOQ-{lotPrefix}-{sequence}
func Parse(number string) (*Serial, error) {
	matches := serialRegex.FindStringSubmatch(number)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected SOOQ-{lot}-{seq})", ErrInvalidSerial, number)
	}

	seq, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSerial, number)
	}

	return &Serial{
		Number:    number,
		LotPrefix: matches[1],
		Sequence:  seq,
	}, nil
}

// BelongsTo reports whether a serial was generated for the given lot.
func (s *Serial) BelongsTo(lotID string) bool {
	return s.LotPrefix == LotPrefix(lotID)
}
