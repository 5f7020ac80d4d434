package decorator

import "github.com/brain2/cachepipe/internal/cerr"

func notSupported(op string) error {
	return cerr.New(op, cerr.NotSupported, "inner backend does not implement this capability")
}
