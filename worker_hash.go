package main

import (
	"encoding/hex"
	"strings"
)

func workerNameHash(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	sum := sha256Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}
