// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/creachadair/blobject"
	"github.com/creachadair/blobject/handler"
	"github.com/creachadair/blobject/peers"
	"github.com/fortytw2/leaktest"
)

type tvText string

func (v tvText) MarshalText() ([]byte, error)     { return []byte(v), nil }
func (v *tvText) UnmarshalText(data []byte) error { *v = tvText(data); return nil }

type tvBinary string

func (v tvBinary) MarshalBinary() ([]byte, error)     { return []byte(v), nil }
func (v *tvBinary) UnmarshalBinary(data []byte) error { *v = tvBinary(data); return nil }

var target = blobject.Identity{Name: "h"}

func TestHandler(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	adapters := []struct {
		name  string
		adapt func(handler.Func) blobject.Blobject
	}{
		{"Sync", handler.Sync},
		{"Go", handler.Go},
	}

	// check calls f through each adapter and checks that the result is want,
	// or that the call fails with message emsg if that is non-empty.
	check := func(t *testing.T, want, emsg string, f handler.Func) {
		t.Helper()
		for _, a := range adapters {
			loc.A.Serve(blobject.LocatorFunc(func(*blobject.Current) (blobject.Blobject, error) {
				return handler.Ops{"op": a.adapt(f)}, nil
			}))
			ctx := context.Background()
			res, err := loc.B.Call(ctx, target, "op", []byte("input"))
			if err != nil {
				var ce *blobject.CallError
				if !errors.As(err, &ce) || ce.Message != emsg || emsg == "" {
					t.Fatalf("%s: Call: got error %v, want %q", a.name, err, emsg)
				}
			} else if emsg != "" {
				t.Fatalf("%s: Call: got %v, want error %q", a.name, res, emsg)
			} else if got := string(res.OutParams); got != want {
				t.Errorf("%s: Call result: got %q, want %q", a.name, got, want)
			}
		}
	}
	checkCur := func(t *testing.T, ctx context.Context) {
		t.Helper()
		cur := handler.ContextCurrent(ctx)
		if cur == nil {
			t.Error("Context does not contain request metadata")
		} else if cur.Operation() != "op" {
			t.Errorf("Current operation: got %q, want op", cur.Operation())
		}
	}

	t.Run("PRE", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkCur(t, ctx)
					return s + "-ok", nil
				},
			))
		})
		t.Run("StringByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s string) ([]byte, error) {
					checkCur(t, ctx)
					return []byte(s + "-ok"), nil
				},
			))
		})
		t.Run("TextByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s tvText) ([]byte, error) {
					checkCur(t, ctx)
					return []byte(s + "-ok"), nil
				},
			))
		})
		t.Run("BinaryText", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s tvBinary) (tvText, error) {
					checkCur(t, ctx)
					return tvText(s + "-ok"), nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "", "bad robot", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkCur(t, ctx)
					return "", errors.New("bad robot")
				},
			))
		})
	})

	t.Run("PR", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s string) string { checkCur(t, ctx); return s + "-ok" },
			))
		})
		t.Run("TextByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s tvText) []byte { checkCur(t, ctx); return []byte(s + "-ok") },
			))
		})
		t.Run("BinaryText", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s tvBinary) tvText { checkCur(t, ctx); return tvText(s + "-ok") },
			))
		})
	})

	t.Run("PE", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, "", "ok", handler.ParamError(
				func(ctx context.Context, s string) error { checkCur(t, ctx); return errors.New("ok") },
			))
		})
		t.Run("Byte", func(t *testing.T) {
			check(t, "", "", handler.ParamError(
				func(ctx context.Context, b []byte) error { checkCur(t, ctx); return nil },
			))
		})
		t.Run("Unknown", func(t *testing.T) {
			check(t, "", "nope", handler.ParamError(
				func(ctx context.Context, s tvText) error {
					checkCur(t, ctx)
					return &blobject.UnknownException{Message: "nope"}
				},
			))
		})
	})

	t.Run("RE", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, "please", "", handler.ResultError(
				func(ctx context.Context) (string, error) {
					checkCur(t, ctx)
					return "please", nil
				},
			))
		})
		t.Run("Binary", func(t *testing.T) {
			check(t, "louder", "", handler.ResultError(
				func(ctx context.Context) (tvBinary, error) {
					checkCur(t, ctx)
					return "louder", nil
				},
			))
		})
	})

	t.Run("RO", func(t *testing.T) {
		t.Run("Text", func(t *testing.T) {
			check(t, "more", "", handler.ResultOnly(
				func(ctx context.Context) tvText { checkCur(t, ctx); return "more" },
			))
		})
		t.Run("Binary", func(t *testing.T) {
			check(t, "loudly", "", handler.ResultOnly(
				func(ctx context.Context) tvBinary { checkCur(t, ctx); return "loudly" },
			))
		})
	})
}

func TestUserException(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	ue := &blobject.UserException{TypeID: "::Demo::Refused", Data: []byte("no")}
	loc.A.Serve(blobject.LocatorFunc(func(*blobject.Current) (blobject.Blobject, error) {
		return handler.Ops{
			"sync": handler.Sync(func(context.Context, []byte) ([]byte, error) { return nil, ue }),
			"go":   handler.Go(func(context.Context, []byte) ([]byte, error) { return nil, ue }),
		}, nil
	}))

	for _, op := range []string{"sync", "go"} {
		res, err := loc.B.Call(context.Background(), target, op, nil)
		if err != nil {
			t.Fatalf("Call %q: unexpected error: %v", op, err)
		}
		if res.ReturnValue {
			t.Errorf("Call %q: ReturnValue is true, want false", op)
		}
		got, err := res.UserException()
		if err != nil {
			t.Fatalf("Call %q: decode exception: %v", op, err)
		}
		if got.TypeID != ue.TypeID || string(got.Data) != "no" {
			t.Errorf("Call %q: got %+v, want %+v", op, got, ue)
		}
	}
}

func TestOps(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Serve(blobject.LocatorFunc(func(*blobject.Current) (blobject.Blobject, error) {
		return handler.Ops{
			"a": handler.Sync(func(context.Context, []byte) ([]byte, error) { return []byte("A"), nil }),
		}, nil
	}))

	_, err := loc.B.Call(context.Background(), target, "b", nil)
	var rf *blobject.RequestFailedError
	if !errors.As(err, &rf) || rf.Kind != blobject.OperationNotExist {
		t.Errorf("Call b: got %v, want OperationNotExist", err)
	}
}

func TestGoPanic(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Serve(blobject.LocatorFunc(func(*blobject.Current) (blobject.Blobject, error) {
		return handler.Go(func(context.Context, []byte) ([]byte, error) { panic("oh no") }), nil
	}))

	_, err := loc.B.Call(context.Background(), target, "boom", nil)
	var ce *blobject.CallError
	if !errors.As(err, &ce) || ce.Status() != blobject.StatusUnknownException {
		t.Fatalf("Call: got %v, want unknown exception", err)
	}
	t.Logf("Call failed as expected: %v", ce)
}
