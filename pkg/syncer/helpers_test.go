package syncer

import (
	"crypto/sha256"
	"encoding/hex"

	"gorm.io/datatypes"
)

func datatypesMap(m map[string]string) datatypes.JSONType[map[string]string] {
	return datatypes.NewJSONType(m)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
