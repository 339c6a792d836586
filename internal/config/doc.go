// Package config loads the daemon configuration from a JSON file and fills
// in sensible defaults for anything the operator leaves out. Relative paths
// inside the file are resolved against the directory the file lives in.
package config
