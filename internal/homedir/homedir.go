// Package homedir locates the invoking user's home directory, used
// for default config and database paths.
package homedir

import "os"

func Get() string {
	h, err := os.UserHomeDir()
	if err != nil {
		// Degrade to the working directory rather than refusing
		// to start; the paths derived from this are overridable.
		return "."
	}
	return h
}
