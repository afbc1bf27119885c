// Package pyo3 lets Go code hold references to objects owned by a globally
// locked, reference-counted foreign runtime such as CPython.
//
// # Overview
//
// Every object on the foreign heap is reached through one of four handles:
//
//   - [Python], a token proving that the calling goroutine holds the global lock
//   - [Py], an owned reference that may travel between goroutines
//   - [Bound], an owned reference tied to a token
//   - [Borrowed], a non-owning view tied to a token and an owner
//
// Reference counts are only touched while the lock is held. A Py released
// by a goroutine that does not hold the lock is queued and the decrement is
// applied the next time any goroutine acquires it.
//
// # Quick Start
//
//	import (
//	    "github.com/gopyo3/pyo3"
//	    "github.com/gopyo3/pyo3/ffi/cpython"
//	)
//
//	func main() {
//	    rt, err := cpython.Load("")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if err := pyo3.Prepare(rt); err != nil {
//	        log.Fatal(err)
//	    }
//
//	    var kept pyo3.Py[pyo3.Any]
//	    pyo3.WithGIL(func(py pyo3.Python) error {
//	        v, err := pyo3.IntoPy(py, "hello")
//	        if err != nil {
//	            return err
//	        }
//	        kept = v
//	        return nil
//	    })
//
//	    // Released without the lock: queued until the next WithGIL.
//	    go kept.Release()
//	}
//
// # Tokens and Scopes
//
// A token is valid until the function it was passed to returns. Bound
// references created under a token belong to its scope and are released
// when the scope ends unless they were released or unbound first. Use
// [Python.Pool] inside long loops to bound the number of live temporaries.
//
// [AllowThreads] releases the lock around a blocking call. While it runs,
// every token of the goroutine is suspended and any use of one panics.
//
// Using an expired token, or releasing a reference twice, panics. These are
// programming errors, not conditions to recover from.
//
// # Classes
//
// A Go type becomes the payload of a foreign class with [RegisterClass]:
//
//	type Counter struct{ N int64 }
//
//	var counterClass = pyo3.MustRegisterClass(pyo3.ClassSpec[Counter]{
//	    Name:   "Counter",
//	    Module: "demo",
//	})
//
//	pyo3.WithGIL(func(py pyo3.Python) error {
//	    c, err := counterClass.NewInstance(py, Counter{})
//	    if err != nil {
//	        return err
//	    }
//	    ref := c.BorrowMut()
//	    ref.Get().N++
//	    ref.Release()
//	    return nil
//	})
//
// The type object is created on first use by a [LazyTypeObject]. Creation is
// safe under concurrent first use, and class attributes may refer to the
// class itself.
//
// # Supported Conversions
//
// Go to foreign, with [IntoPy]:
//   - string → str
//   - signed and unsigned integers → int
//   - registered class payloads → new instance
//   - [Converter] implementations
//
// Foreign to Go, with [Extract]:
//   - str → string
//   - int → any integer kind that can hold the value
//   - class instance → copy of the payload
//   - [Extractor] implementations
package pyo3
