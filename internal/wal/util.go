package wal

import (
	"fmt"
	"os"
	"time"
)

func openFileForRead(path string) (*os.File, error) {
	return os.Open(path)
}

func sprintfWalName(suffix int) string {
	return fmt.Sprintf(fileNamePattern, suffix)
}

func unixNano(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}
