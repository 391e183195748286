package pipeline

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfClassifiesPipelineErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "validation", err: validationf("bad input"), want: KindValidation},
		{name: "forbidden", err: forbiddenf("not yours"), want: KindForbidden},
		{name: "not found", err: notFoundf("gone"), want: KindNotFound},
		{name: "invalid state", err: invalidStatef("still uploading"), want: KindInvalidState},
		{name: "transcode", err: &Error{Kind: KindTranscodeFailure, Message: "encode", Err: errors.New("exit 1")}, want: KindTranscodeFailure},
		{name: "storage", err: storageFailure("put", errors.New("io")), want: KindStorageFailure},
		{name: "wrapped", err: fmt.Errorf("outer: %w", notFoundf("gone")), want: KindNotFound},
		{name: "foreign", err: errors.New("plain"), want: KindStorageFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestIsTimeoutOnlyForDeadlineTranscodeFailures(t *testing.T) {
	if !IsTimeout(&Error{Kind: KindTranscodeFailure, Message: "encode", Err: errors.New("deadline"), Timeout: true}) {
		t.Fatal("expected timeout for deadline transcode failure")
	}
	if IsTimeout(&Error{Kind: KindTranscodeFailure, Message: "encode", Err: errors.New("exit 1")}) {
		t.Fatal("plain transcode failure must not report timeout")
	}
	if IsTimeout(storageFailure("put", errors.New("io"))) {
		t.Fatal("storage failure must not report timeout")
	}
	if IsTimeout(errors.New("plain")) {
		t.Fatal("foreign error must not report timeout")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := storageFailure("store source object", cause)
	if got := err.Error(); got != "store source object: connection refused" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be unwrappable")
	}
}
