//go:build linux || darwin

package cpython

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/gopyo3/pyo3/ffi"
)

// Object layout of 64-bit CPython builds without free threading.
const (
	offRefcnt  = 0
	offType    = 8
	offTpFlags = 168

	tpflagsImmutableType = 1 << 8
)

// payloadAttr holds the capsule whose destructor reports an instance's
// deallocation.
const payloadAttr = "__pyo3_payload__"

var defaultLibraries = map[string][]string{
	"linux": {
		"libpython3.so",
		"libpython3.13.so.1.0",
		"libpython3.12.so.1.0",
		"libpython3.11.so.1.0",
		"libpython3.10.so.1.0",
	},
	"darwin": {
		"libpython3.dylib",
		"/opt/homebrew/Frameworks/Python.framework/Versions/Current/Python",
		"/Library/Frameworks/Python.framework/Versions/Current/Python",
		"/usr/local/Frameworks/Python.framework/Versions/Current/Python",
	},
}

// Error is a Python exception fetched from the interpreter.
type Error struct {
	Type string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Type
	}
	return e.Type + ": " + e.Msg
}

// api holds the C functions used by Runtime. Field names are the exported
// symbol names.
type api struct {
	Py_IsInitialized       func() int32
	Py_InitializeEx        func(int32)
	PyGILState_Ensure      func() int32
	PyGILState_Release     func(int32)
	PyEval_SaveThread      func() uintptr
	PyEval_RestoreThread   func(uintptr)
	Py_IncRef              func(uintptr)
	Py_DecRef              func(uintptr)
	PyErr_Occurred         func() uintptr
	PyErr_Fetch            func(*uintptr, *uintptr, *uintptr)
	PyErr_SetString        func(uintptr, string)
	PyErr_WriteUnraisable  func(uintptr)
	PyObject_Str           func(uintptr) uintptr
	PyObject_GetAttrString func(uintptr, string) uintptr
	PyObject_SetAttrString func(uintptr, string, uintptr) int32
	PyObject_CallObject    func(uintptr, uintptr) uintptr
	PyType_IsSubtype       func(uintptr, uintptr) int32
	PyType_GetFlags        func(uintptr) uint64
	PyType_Modified        func(uintptr)
	PyTuple_New            func(int64) uintptr
	PyTuple_SetItem        func(uintptr, int64, uintptr) int32
	PyDict_New             func() uintptr
	PyDict_SetItemString   func(uintptr, string, uintptr) int32
	PyUnicode_FromString   func(string) uintptr
	PyUnicode_AsUTF8       func(uintptr) string
	PyLong_FromLongLong    func(int64) uintptr
	PyLong_AsLongLong      func(uintptr) int64
	PyCapsule_New          func(uintptr, uintptr, uintptr) uintptr
	PyCapsule_GetPointer   func(uintptr, uintptr) uintptr
}

// Runtime is an ffi.Runtime backed by an embedded CPython interpreter.
type Runtime struct {
	lib  uintptr
	path string
	c    api

	objectType  uintptr
	typeType    uintptr
	longType    uintptr
	unicodeType uintptr
	excRuntime  uintptr
	excType     uintptr

	destructor uintptr

	mu        sync.Mutex
	hook      func(ffi.Ptr)
	heapTypes map[ffi.Ptr]bool
}

var _ ffi.Runtime = (*Runtime)(nil)
var _ ffi.Scalars = (*Runtime)(nil)

var (
	loadOnce sync.Once
	loaded   *Runtime
	loadErr  error
)

// Load opens libpython and initializes the interpreter if the host has not
// done so already. An empty path tries PYO3_LIBPYTHON, then a list of common
// library names. The interpreter can only be loaded once per process; later
// calls return the first result.
func Load(path string) (*Runtime, error) {
	loadOnce.Do(func() {
		loaded, loadErr = load(path)
	})
	return loaded, loadErr
}

func load(path string) (*Runtime, error) {
	if unsafe.Sizeof(uintptr(0)) != 8 {
		return nil, fmt.Errorf("cpython: 32-bit builds: %w", ffi.ErrUnsupported)
	}
	candidates := defaultLibraries[runtime.GOOS]
	if env := os.Getenv("PYO3_LIBPYTHON"); env != "" {
		candidates = []string{env}
	}
	if path != "" {
		candidates = []string{path}
	}

	r := &Runtime{heapTypes: make(map[ffi.Ptr]bool)}
	var errs []error
	for _, name := range candidates {
		lib, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.lib, r.path = lib, name
		break
	}
	if r.lib == 0 {
		return nil, fmt.Errorf("cpython: cannot open libpython: %w", errors.Join(errs...))
	}

	if err := r.bind(); err != nil {
		return nil, err
	}
	r.destructor = purego.NewCallback(r.capsuleDestroyed)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if r.c.Py_IsInitialized() == 0 {
		r.c.Py_InitializeEx(0)
		// Drop the lock taken by initialization; every later use goes
		// through PyGILState_Ensure.
		r.c.PyEval_SaveThread()
	}
	return r, nil
}

func (r *Runtime) bind() error {
	v := reflect.ValueOf(&r.c).Elem()
	for i := 0; i < v.NumField(); i++ {
		name := v.Type().Field(i).Name
		sym, err := purego.Dlsym(r.lib, name)
		if err != nil {
			return fmt.Errorf("cpython: %s: %w", r.path, err)
		}
		purego.RegisterFunc(v.Field(i).Addr().Interface(), sym)
	}

	data := []struct {
		dst   *uintptr
		name  string
		deref bool
	}{
		{&r.objectType, "PyBaseObject_Type", false},
		{&r.typeType, "PyType_Type", false},
		{&r.longType, "PyLong_Type", false},
		{&r.unicodeType, "PyUnicode_Type", false},
		{&r.excRuntime, "PyExc_RuntimeError", true},
		{&r.excType, "PyExc_TypeError", true},
	}
	for _, d := range data {
		sym, err := purego.Dlsym(r.lib, d.name)
		if err != nil {
			return fmt.Errorf("cpython: %s: %w", r.path, err)
		}
		if d.deref {
			sym = *foreignWord(sym)
		}
		*d.dst = sym
	}
	return nil
}

// Path returns the library that was loaded.
func (r *Runtime) Path() string { return r.path }

func (r *Runtime) capsuleDestroyed(capsule uintptr) uintptr {
	p := r.c.PyCapsule_GetPointer(capsule, 0)
	r.mu.Lock()
	hook := r.hook
	r.mu.Unlock()
	if hook != nil && p != 0 {
		hook(ffi.Ptr(p))
	}
	return 0
}

// foreignWord views addr as a word of interpreter memory, which lives
// outside the Go heap and never moves. Every uintptr to pointer conversion
// in this package goes through it.
func foreignWord(addr uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(addr))
}

func word(p ffi.Ptr, off uintptr) *uintptr {
	return foreignWord(uintptr(p) + off)
}

// AcquireLock implements ffi.Runtime.
func (r *Runtime) AcquireLock() ffi.LockState {
	return ffi.LockState(r.c.PyGILState_Ensure())
}

// ReleaseLock implements ffi.Runtime.
func (r *Runtime) ReleaseLock(s ffi.LockState) {
	r.c.PyGILState_Release(int32(s))
}

// SaveThread implements ffi.Runtime.
func (r *Runtime) SaveThread() ffi.ThreadState {
	return ffi.ThreadState(r.c.PyEval_SaveThread())
}

// RestoreThread implements ffi.Runtime.
func (r *Runtime) RestoreThread(ts ffi.ThreadState) {
	r.c.PyEval_RestoreThread(uintptr(ts))
}

// IncRef implements ffi.Runtime.
func (r *Runtime) IncRef(p ffi.Ptr) { r.c.Py_IncRef(uintptr(p)) }

// DecRef implements ffi.Runtime.
func (r *Runtime) DecRef(p ffi.Ptr) { r.c.Py_DecRef(uintptr(p)) }

// RefCount implements ffi.Runtime.
func (r *Runtime) RefCount(p ffi.Ptr) int64 {
	return int64(*word(p, offRefcnt))
}

// FetchError implements ffi.Runtime.
func (r *Runtime) FetchError() error {
	if r.c.PyErr_Occurred() == 0 {
		return nil
	}
	var typ, val, tb uintptr
	r.c.PyErr_Fetch(&typ, &val, &tb)
	defer func() {
		r.c.Py_DecRef(typ)
		r.c.Py_DecRef(val)
		r.c.Py_DecRef(tb)
	}()
	e := &Error{Type: "SystemError"}
	if typ != 0 {
		e.Type = r.TypeName(ffi.Ptr(typ))
	}
	if val != 0 {
		if s := r.c.PyObject_Str(val); s != 0 {
			e.Msg = r.c.PyUnicode_AsUTF8(s)
			r.c.Py_DecRef(s)
		}
	}
	return e
}

// WriteUnraisable implements ffi.Runtime.
func (r *Runtime) WriteUnraisable(err error, context string) {
	r.c.PyErr_SetString(r.excRuntime, err.Error())
	obj := r.c.PyUnicode_FromString(context)
	r.c.PyErr_WriteUnraisable(obj)
	r.c.Py_DecRef(obj)
}

// BuiltinType implements ffi.Runtime.
func (r *Runtime) BuiltinType(name string) ffi.Ptr {
	switch name {
	case ffi.ObjectTypeName:
		return ffi.Ptr(r.objectType)
	case ffi.TypeTypeName:
		return ffi.Ptr(r.typeType)
	case "int":
		return ffi.Ptr(r.longType)
	case "str":
		return ffi.Ptr(r.unicodeType)
	}
	return 0
}

// NewType implements ffi.Runtime by calling type(name, (base,), dict).
func (r *Runtime) NewType(spec ffi.TypeSpec) ffi.Ptr {
	module, name := "", spec.Name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		module, name = name[:i], name[i+1:]
	}
	base := uintptr(spec.Base)
	if base == 0 {
		base = r.objectType
	}

	dict := r.c.PyDict_New()
	if dict == 0 {
		return 0
	}
	for _, kv := range [][2]string{{"__module__", module}, {"__doc__", spec.Doc}} {
		if kv[1] == "" {
			continue
		}
		s := r.c.PyUnicode_FromString(kv[1])
		if s == 0 || r.c.PyDict_SetItemString(dict, kv[0], s) != 0 {
			r.c.Py_DecRef(s)
			r.c.Py_DecRef(dict)
			return 0
		}
		r.c.Py_DecRef(s)
	}

	bases := r.c.PyTuple_New(1)
	r.c.Py_IncRef(base)
	r.c.PyTuple_SetItem(bases, 0, base)

	args := r.c.PyTuple_New(3)
	r.c.PyTuple_SetItem(args, 0, r.c.PyUnicode_FromString(name))
	r.c.PyTuple_SetItem(args, 1, bases)
	r.c.PyTuple_SetItem(args, 2, dict)
	tp := r.c.PyObject_CallObject(r.typeType, args)
	r.c.Py_DecRef(args)
	if tp == 0 {
		return 0
	}

	r.mu.Lock()
	r.heapTypes[ffi.Ptr(tp)] = true
	r.mu.Unlock()
	return ffi.Ptr(tp)
}

// Alloc implements ffi.Runtime. Instances of types created by NewType carry a
// capsule whose destructor reports the instance to the dealloc hook.
func (r *Runtime) Alloc(tp ffi.Ptr) ffi.Ptr {
	obj := r.c.PyObject_CallObject(uintptr(tp), 0)
	if obj == 0 {
		return 0
	}
	r.mu.Lock()
	tracked := r.heapTypes[tp]
	r.mu.Unlock()
	if !tracked {
		return ffi.Ptr(obj)
	}

	capsule := r.c.PyCapsule_New(obj, 0, r.destructor)
	if capsule == 0 {
		r.c.Py_DecRef(obj)
		return 0
	}
	rc := r.c.PyObject_SetAttrString(obj, payloadAttr, capsule)
	r.c.Py_DecRef(capsule)
	if rc != 0 {
		r.c.Py_DecRef(obj)
		return 0
	}
	return ffi.Ptr(obj)
}

// TypeOf implements ffi.Runtime.
func (r *Runtime) TypeOf(p ffi.Ptr) ffi.Ptr {
	return ffi.Ptr(*word(p, offType))
}

// IsSubtype implements ffi.Runtime.
func (r *Runtime) IsSubtype(sub, sup ffi.Ptr) bool {
	return r.c.PyType_IsSubtype(uintptr(sub), uintptr(sup)) != 0
}

// TypeName implements ffi.Runtime. Types outside builtins are qualified by
// their module.
func (r *Runtime) TypeName(tp ffi.Ptr) string {
	name := r.strAttr(tp, "__qualname__")
	if module := r.strAttr(tp, "__module__"); module != "" && module != "builtins" {
		return module + "." + name
	}
	return name
}

func (r *Runtime) strAttr(obj ffi.Ptr, name string) string {
	v := r.c.PyObject_GetAttrString(uintptr(obj), name)
	if v == 0 {
		r.FetchError()
		return ""
	}
	defer r.c.Py_DecRef(v)
	if !r.IsSubtype(r.TypeOf(ffi.Ptr(v)), ffi.Ptr(r.unicodeType)) {
		return ""
	}
	return r.c.PyUnicode_AsUTF8(v)
}

// SetAttr implements ffi.Runtime.
func (r *Runtime) SetAttr(obj ffi.Ptr, name string, value ffi.Ptr) int {
	return int(r.c.PyObject_SetAttrString(uintptr(obj), name, uintptr(value)))
}

// GetAttr implements ffi.Runtime.
func (r *Runtime) GetAttr(obj ffi.Ptr, name string) ffi.Ptr {
	return ffi.Ptr(r.c.PyObject_GetAttrString(uintptr(obj), name))
}

// SetTypeImmutable implements ffi.Runtime by setting
// Py_TPFLAGS_IMMUTABLETYPE, which CPython checks on attribute assignment.
func (r *Runtime) SetTypeImmutable(tp ffi.Ptr) int {
	flags := r.c.PyType_GetFlags(uintptr(tp))
	slot := word(tp, offTpFlags)
	if uint64(*slot) != flags {
		r.c.PyErr_SetString(r.excRuntime, "unexpected type object layout")
		return -1
	}
	*slot = uintptr(flags | tpflagsImmutableType)
	r.c.PyType_Modified(uintptr(tp))
	return 0
}

// SetDeallocHook implements ffi.Runtime.
func (r *Runtime) SetDeallocHook(f func(ffi.Ptr)) {
	r.mu.Lock()
	r.hook = f
	r.mu.Unlock()
}

// FromInt64 implements ffi.Scalars.
func (r *Runtime) FromInt64(v int64) ffi.Ptr {
	return ffi.Ptr(r.c.PyLong_FromLongLong(v))
}

// AsInt64 implements ffi.Scalars.
func (r *Runtime) AsInt64(p ffi.Ptr) (int64, bool) {
	if !r.IsSubtype(r.TypeOf(p), ffi.Ptr(r.longType)) {
		r.c.PyErr_SetString(r.excType, "an integer is required")
		return 0, false
	}
	n := r.c.PyLong_AsLongLong(uintptr(p))
	if n == -1 && r.c.PyErr_Occurred() != 0 {
		return 0, false
	}
	return n, true
}

// FromString implements ffi.Scalars.
func (r *Runtime) FromString(s string) ffi.Ptr {
	return ffi.Ptr(r.c.PyUnicode_FromString(s))
}

// AsString implements ffi.Scalars.
func (r *Runtime) AsString(p ffi.Ptr) (string, bool) {
	if !r.IsSubtype(r.TypeOf(p), ffi.Ptr(r.unicodeType)) {
		r.c.PyErr_SetString(r.excType, "a str is required")
		return "", false
	}
	s := r.c.PyUnicode_AsUTF8(uintptr(p))
	if s == "" && r.c.PyErr_Occurred() != 0 {
		return "", false
	}
	return s, true
}
