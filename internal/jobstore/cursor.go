package jobstore

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// DecodeCursor parses an opaque page cursor. An empty string means the first page.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var nanos int64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}

	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), JobID: parts[1]}, nil
}

// Encode renders the cursor as an opaque string
func (c *Cursor) Encode() string {
	return base64.URLEncoding.EncodeToString([]byte(fmt.Sprintf("%d|%s", c.CreatedAt.UnixNano(), c.JobID)))
}
