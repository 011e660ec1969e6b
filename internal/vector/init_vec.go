//go:build sqlite_vec && cgo

package vector

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension so vec0 virtual tables and the
	// vector distance functions are available in-database. The default
	// build computes cosine similarity in Go over the blob column instead.
	vec.Auto()
}
