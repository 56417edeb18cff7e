package apartment

import (
	"fmt"
	"reflect"
	"sync"
)

// binders maps interface types to their func(Caller[T]) T implementation.
var binders sync.Map

// RegisterBinder registers the marshaling stand-in for the interface T: a
// constructor for a T whose methods forward through a Caller. It is typically
// called from an init function, next to the interface's declaration. It
// panics if T is not an interface, or already has a binder.
func RegisterBinder[T any](bind func(Caller[T]) T) {
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Interface {
		panic(fmt.Sprintf(`apartment: binder type %s is not an interface`, t))
	}
	if bind == nil {
		panic(`apartment: nil binder`)
	}
	if _, loaded := binders.LoadOrStore(t, bind); loaded {
		panic(fmt.Sprintf(`apartment: binder already registered for %s`, t))
	}
}

// Bind returns the registered stand-in for T, forwarding through c. It
// panics (wrapping ErrNoBinder) if RegisterBinder was not called for T.
func Bind[T any](c Caller[T]) T {
	t := reflect.TypeFor[T]()
	v, ok := binders.Load(t)
	if !ok {
		panic(fmt.Errorf(`%w: %s`, ErrNoBinder, t))
	}
	return v.(func(Caller[T]) T)(c)
}

// MustNewInterface is a convenience for NewProxy followed by Bind. It panics
// on error.
func MustNewInterface[T any](target Target[T], queue *MessageQueue, opts ...ProxyOption) T {
	p, err := NewProxy(target, queue, opts...)
	if err != nil {
		panic(err)
	}
	return Bind[T](p)
}
