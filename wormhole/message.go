package wormhole

import (
	"crypto/sha1"
	"encoding/hex"
	"reflect"
)

// queueBaseForType derives a stable queue base name from a type's
// fully-qualified path, so two processes that import the same Go type
// agree on a queue without either side naming it explicitly.
func queueBaseForType(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	path := t.PkgPath() + "." + t.Name()
	sum := sha1.Sum([]byte(path))
	return hex.EncodeToString(sum[:])[:16]
}

// QueueBaseForMessage returns the base queue name a typed message of this
// Go type is addressed on, the same name RegisterTypedHandler derives when
// wiring up its handler.
func QueueBaseForMessage[T any]() string {
	var zero T
	return queueBaseForType(reflect.TypeOf(zero))
}
