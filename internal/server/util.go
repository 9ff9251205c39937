package server

import (
	"encoding/hex"
	"strconv"
)

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func itoa(n int) string { return strconv.Itoa(n) }
