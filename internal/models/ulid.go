package models

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULID identifies the bridge's surrogate-keyed rows: ledger entries, export
// jobs, quarantined envelopes, moderation events, and federated-entity update
// records. The timestamp prefix makes ledger ids sort by enqueue order, which
// is what the workers' ORDER BY id / created_at polling relies on.
type ULID struct {
	ulid.ULID
}

// entropySource feeds ULID generation. The monotonic reader guarantees that
// ids minted within the same millisecond still sort in mint order (two
// fan-out rows for one envelope land in the same millisecond routinely); the
// mutex makes it safe for the pipeline and both workers to mint concurrently.
var entropySource = &monotonicEntropy{reader: ulid.Monotonic(rand.Reader, 0)}

type monotonicEntropy struct {
	mu     sync.Mutex
	reader io.Reader
}

func (e *monotonicEntropy) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reader.Read(p)
}

// NewULID mints an id at the current time. Safe for concurrent use.
func NewULID() ULID {
	return ULID{ulid.MustNew(ulid.Timestamp(time.Now()), entropySource)}
}

// NewULIDWithTime mints an id at a specific time, for tests and backfills.
func NewULIDWithTime(t time.Time) ULID {
	return ULID{ulid.MustNew(ulid.Timestamp(t), entropySource)}
}

// ParseULID parses the canonical 26-character string form.
func ParseULID(s string) (ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ULID{}, fmt.Errorf("parsing ULID %q: %w", s, err)
	}
	return ULID{id}, nil
}

// MustParseULID is ParseULID that panics; for tests and static initializers.
func MustParseULID(s string) ULID {
	id, err := ParseULID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether the ULID is the zero value.
func (u ULID) IsZero() bool {
	return u.ULID.Compare(ulid.ULID{}) == 0
}

// Time returns the mint time encoded in the id.
func (u ULID) Time() time.Time {
	return ulid.Time(u.ULID.Time())
}

// String returns the canonical 26-character representation.
func (u ULID) String() string {
	return u.ULID.String()
}

// MarshalJSON encodes the id as a JSON string.
func (u ULID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON decodes a JSON string; "" maps to the zero ULID so optional
// id fields round-trip.
func (u *ULID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshaling ULID JSON: %w", err)
	}
	if s == "" {
		*u = ULID{}
		return nil
	}
	parsed, err := ParseULID(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Scan reads an id from the TEXT columns the ledger tables use.
func (u *ULID) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		parsed, err := ParseULID(v)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	case []byte:
		parsed, err := ParseULID(string(v))
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	default:
		return fmt.Errorf("unsupported ULID scan source type: %T", src)
	}
}

// Value writes the id back as TEXT; the zero ULID stores as NULL.
func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.String(), nil
}
