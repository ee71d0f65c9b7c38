package sandbox

import (
	"errors"
	"testing"
)

func TestQuota_TakeHTTP(t *testing.T) {
	q := newQuota()
	for i := 0; i < MaxHTTPCalls; i++ {
		if err := q.takeHTTP(); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
	}
	if err := q.takeHTTP(); !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("call %d: error = %v, want ErrTooManyRequests", MaxHTTPCalls+1, err)
	}
	if got := q.HTTPCalls(); got != MaxHTTPCalls+1 {
		t.Errorf("HTTPCalls() = %d, want %d", got, MaxHTTPCalls+1)
	}
	// Counters never reset.
	if err := q.takeHTTP(); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("error = %v, want ErrTooManyRequests", err)
	}
}

func TestRunningGuard_EnterRelease(t *testing.T) {
	var g runningGuard
	if g.isRunning() {
		t.Fatal("new guard should not be running")
	}
	release := g.enter()
	if !g.isRunning() {
		t.Error("guard should be running after enter")
	}
	release()
	if g.isRunning() {
		t.Error("guard should not be running after release")
	}
}

func TestRunningGuard_ReleasedOnPanic(t *testing.T) {
	var g runningGuard
	func() {
		defer func() { _ = recover() }()
		release := g.enter()
		defer release()
		panic("capability failed")
	}()
	if g.isRunning() {
		t.Error("guard should be released when the capability panics")
	}
}

func TestCheckJSONDepth(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"flat", `{"a":1}`, false},
		{"brackets in strings", `{"a":"[[[[[[[[[[[[[[[[[[[[[[[[[["}`, false},
		{"escaped quote", `{"a":"\"[[["}`, false},
		{"at limit", nestedJSON(MaxMarshalDepth), false},
		{"over limit", nestedJSON(MaxMarshalDepth + 1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkJSONDepth([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("checkJSONDepth() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func nestedJSON(depth int) string {
	s := "1"
	for i := 0; i < depth; i++ {
		s = "[" + s + "]"
	}
	return s
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"report.pdf", "report.pdf", false},
		{"../../etc/passwd", "passwd", false},
		{`C:\temp\notes.txt`, "notes.txt", false},
		{"dir/", "dir", false},
		{"", "", true},
		{"..", "", true},
		{"/", "", true},
	}
	for _, tt := range tests {
		got, err := sanitizeFilename(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("sanitizeFilename(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr bool
	}{
		{"function declaration", "function invoke(p) { return p; }", false},
		{"const arrow", "const invoke = (p) => p;", false},
		{"assignment", "invoke = function() { return 1; };", false},
		{"missing invoke", "function run() { return 1; }", true},
		{"invoke only called", "function run() {}\nrun(invoke);", true},
		{"syntax error", "function invoke( {", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.script)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrScript) {
				t.Errorf("error %v does not match ErrScript", err)
			}
		})
	}
}
