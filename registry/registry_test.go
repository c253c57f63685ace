package registry

import (
	"errors"
	"sync"
	"testing"

	"hostcall/payload"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls []Context
	ids   []ServiceID
}

func (h *recordingHandler) ServeHostcall(ctx Context, id ServiceID, p *payload.Payload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, ctx)
	h.ids = append(h.ids, id)
	p[0] = uint64(id) * 10
}

func TestDispatchRoutesWithContext(t *testing.T) {
	reg := New()
	malloc := &recordingHandler{}
	demo := &recordingHandler{}
	ctx := DeviceSession{Device: 4}

	reg.MustRegister(ServiceMalloc, malloc, ctx)
	reg.MustRegister(ServiceDemo, demo, nil)
	reg.Freeze()

	var p payload.Payload
	if err := reg.Dispatch(ServiceMalloc, &p); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if p[0] != uint64(ServiceMalloc)*10 {
		t.Fatalf("expect payload mutated by handler, got %v", p)
	}
	if len(malloc.calls) != 1 || malloc.calls[0] != ctx || malloc.ids[0] != ServiceMalloc {
		t.Fatalf("expect one MALLOC call with %v, got %v %v", ctx, malloc.calls, malloc.ids)
	}
	if len(demo.calls) != 0 {
		t.Fatalf("expect DEMO handler untouched, got %d calls", len(demo.calls))
	}

	if err := reg.Dispatch(ServiceDemo, &p); err != nil {
		t.Fatal(err)
	}
	if demo.calls[0] != nil {
		t.Fatalf("expect nil context, got %v", demo.calls[0])
	}
}

func TestDispatchUnknownService(t *testing.T) {
	reg := New()
	h := &recordingHandler{}
	reg.MustRegister(ServicePrintf, h, nil)
	reg.Freeze()

	for id := ServiceID(0); id <= MaxServiceID+1; id++ {
		if id == ServicePrintf {
			continue
		}
		p := payload.Payload{1, 2, 3, 4, 5, 6, 7, 8}
		before := p
		err := reg.Dispatch(id, &p)
		if !errors.Is(err, ErrUnknownService) {
			t.Fatalf("id %d: expect ErrUnknownService, got %v", id, err)
		}
		if p != before {
			t.Fatalf("id %d: expect payload untouched, got %v", id, p)
		}
	}
	if len(h.calls) != 0 {
		t.Fatalf("expect no handler invocations, got %d", len(h.calls))
	}
}

func TestRegisterRejects(t *testing.T) {
	noop := HandlerFunc(func(Context, ServiceID, *payload.Payload) {})
	cases := []struct {
		name string
		id   ServiceID
		h    Handler
		want error
	}{
		{"unused", ServiceUnused, noop, ErrInvalidServiceID},
		{"terminate", ServiceTerminate, noop, ErrInvalidServiceID},
		{"out of range", MaxServiceID + 1, noop, ErrInvalidServiceID},
		{"nil handler", ServiceFree, nil, ErrNilHandler},
		{"nil func", ServiceFree, HandlerFunc(nil), ErrNilHandler},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := New().Register(tc.id, tc.h, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expect %v, got %v", tc.want, err)
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) || cfgErr.ID != tc.id {
				t.Fatalf("expect *ConfigError for id %d, got %v", tc.id, err)
			}
		})
	}
}

func TestRegisterDuplicateKeepsFirst(t *testing.T) {
	reg := New()
	first := &recordingHandler{}
	second := &recordingHandler{}

	if err := reg.Register(ServiceMalloc, first, DeviceSession{Device: 1}); err != nil {
		t.Fatal(err)
	}
	err := reg.Register(ServiceMalloc, second, DeviceSession{Device: 2})
	if !errors.Is(err, ErrDuplicateService) {
		t.Fatalf("expect ErrDuplicateService, got %v", err)
	}

	var p payload.Payload
	reg.Dispatch(ServiceMalloc, &p)
	if len(first.calls) != 1 || len(second.calls) != 0 {
		t.Fatalf("expect first registration to win, got %d/%d calls", len(first.calls), len(second.calls))
	}
	if first.calls[0] != (DeviceSession{Device: 1}) {
		t.Fatalf("expect original context, got %v", first.calls[0])
	}
}

func TestRegisterAfterFreeze(t *testing.T) {
	reg := New()
	reg.Freeze()
	err := reg.Register(ServicePrintf, &recordingHandler{}, nil)
	if !errors.Is(err, ErrFrozen) {
		t.Fatalf("expect ErrFrozen, got %v", err)
	}
}

func TestMustRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expect panic on invalid id")
		}
	}()
	New().MustRegister(MaxServiceID+1, &recordingHandler{}, nil)
}

func TestServicesSorted(t *testing.T) {
	reg := New()
	noop := HandlerFunc(func(Context, ServiceID, *payload.Payload) {})
	reg.MustRegister(ServiceDemo, noop, nil)
	reg.MustRegister(ServicePrintf, noop, nil)
	reg.MustRegister(ServiceFree, noop, nil)

	got := reg.Services()
	want := []ServiceID{ServicePrintf, ServiceFree, ServiceDemo}
	if len(got) != len(want) {
		t.Fatalf("expect %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expect %v, got %v", want, got)
		}
	}
}

func TestConcurrentDispatchAfterFreeze(t *testing.T) {
	reg := New()
	h := &recordingHandler{}
	reg.MustRegister(ServiceDemo, h, DeviceSession{Device: 0})
	reg.Freeze()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var p payload.Payload
			if err := reg.Dispatch(ServiceDemo, &p); err != nil {
				t.Errorf("Dispatch failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(h.calls) != 64 {
		t.Fatalf("expect 64 calls, got %d", len(h.calls))
	}
}

func TestServiceIDString(t *testing.T) {
	if ServicePrintf.String() != "PRINTF" {
		t.Fatalf("expect PRINTF, got %s", ServicePrintf)
	}
	if ServiceID(77).String() != "SERVICE_77" {
		t.Fatalf("expect SERVICE_77, got %s", ServiceID(77))
	}
}
