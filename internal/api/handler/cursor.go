package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// bundleCursor marks the last bundle of a page in submission order
type bundleCursor struct {
	SubmittedAt time.Time
	BundleID    string
}

func decodeBundleCursor(cursorStr string) (*bundleCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var submittedAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &submittedAt); err != nil {
		return nil, fmt.Errorf("invalid submitted_at in cursor: %w", err)
	}

	return &bundleCursor{
		SubmittedAt: time.Unix(0, submittedAt),
		BundleID:    parts[1],
	}, nil
}

func encodeBundleCursor(cursor *bundleCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.SubmittedAt.UnixNano(), cursor.BundleID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}

// after reports whether a bundle submitted at t with id comes after the cursor
func (c *bundleCursor) after(t time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !t.Equal(c.SubmittedAt) {
		return t.After(c.SubmittedAt)
	}
	return id > c.BundleID
}
