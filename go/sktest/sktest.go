// Package sktest declares the minimal testing surface shared by assertion
// helpers that need to work with both *testing.T and *testing.B without
// importing "testing" themselves.
package sktest

// TestingT is satisfied by *testing.T and *testing.B. Assertion helpers take
// this instead of *testing.T directly so they can be called from
// benchmark-adjacent setup code too.
type TestingT interface {
	Errorf(format string, args ...interface{})
	FailNow()
}
