package assert

import (
	"github.com/cipherbox/cipherbox/shared/testutil"
)

// Equal compares values using comparison operator.
func Equal(tb testutil.AssertionTestingTB, expected, actual interface{}, msg ...interface{}) {
	testutil.Equal(tb.Errorf, expected, actual, msg...)
}

// NotEqual compares values using comparison operator.
func NotEqual(tb testutil.AssertionTestingTB, expected, actual interface{}, msg ...interface{}) {
	testutil.NotEqual(tb.Errorf, expected, actual, msg...)
}

// DeepEqual compares values using DeepEqual.
func DeepEqual(tb testutil.AssertionTestingTB, expected, actual interface{}, msg ...interface{}) {
	testutil.DeepEqual(tb.Errorf, expected, actual, msg...)
}

// NoError asserts that error is nil.
func NoError(tb testutil.AssertionTestingTB, err error, msg ...interface{}) {
	testutil.NoError(tb.Errorf, err, msg...)
}

// ErrorContains asserts that actual error contains wanted message.
func ErrorContains(tb testutil.AssertionTestingTB, want string, err error, msg ...interface{}) {
	testutil.ErrorContains(tb.Errorf, want, err, msg...)
}

// ErrorIs asserts that the error tree of err contains target.
func ErrorIs(tb testutil.AssertionTestingTB, err, target error, msg ...interface{}) {
	testutil.ErrorIs(tb.Errorf, err, target, msg...)
}

// NotNil asserts that passed value is not nil.
func NotNil(tb testutil.AssertionTestingTB, obj interface{}, msg ...interface{}) {
	testutil.NotNil(tb.Errorf, obj, msg...)
}
