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
	IDTypeStory      IDType = "story"
	IDTypeExecution  IDType = "exec"
	IDTypeCheckpoint IDType = "ckpt"
	IDTypeDelegation IDType = "dlg"
	IDTypeJob        IDType = "job"
	IDTypeSession    IDType = "sess"
	IDTypeResult     IDType = "res"
)

var validIDTypes = map[IDType]bool{
	IDTypeStory:      true,
	IDTypeExecution:  true,
	IDTypeCheckpoint: true,
	IDTypeDelegation: true,
	IDTypeJob:        true,
	IDTypeSession:    true,
	IDTypeResult:     true,
}

var idRegex = regexp.MustCompile(`^(story|exec|ckpt|dlg|job|sess|res)_[0-9]{10}_[0-9a-f]{8}$`)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hexStr), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	// Extract timestamp portion: 10 digits before the 8-hex suffix
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
