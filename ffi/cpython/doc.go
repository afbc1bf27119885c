// Package cpython implements ffi.Runtime over a CPython shared library
// loaded at run time with purego, without cgo.
//
// Only linux and darwin are supported. On other systems Load always fails.
package cpython
