package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type IDType string

const (
	IDTypePipeline IDType = "pipe"
	IDTypeTask     IDType = "task"
)

var idRegex = regexp.MustCompile(`^(pipe|task)_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID returns a typed, sortable id: <type>_<unix>_<hex8>.
// An unknown type still yields a well-formed string; ValidateID is the
// gate for foreign input.
func GenerateID(idType IDType) string {
	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	// rand.Read never returns an error as of go1.24.
	_, _ = rand.Read(randomBytes)
	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hex.EncodeToString(randomBytes))
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	return IDType(idRegex.FindStringSubmatch(id)[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
