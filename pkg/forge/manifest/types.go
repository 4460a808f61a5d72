// Package manifest persists the set of known mod files and their content
// hashes (mods.json next to the server).
package manifest

// Record is one tracked mod file. Hash is the lowercase hex SHA-512 of the
// file's contents.
type Record struct {
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
}
