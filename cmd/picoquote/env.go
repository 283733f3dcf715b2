package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// loadEnvFile sets variables from a dotenv file. Variables already present
// in the process environment win. A missing file returns the open error as
// is so callers can test it with os.IsNotExist.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
