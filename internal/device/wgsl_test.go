package device

import (
	"errors"
	"strings"
	"testing"
)

const twoEntrySource = `
struct Dims { m: u32, n: u32, k: u32 }

@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(3) var<uniform> dims: Dims;

// helper without attributes is not an entry point
fn idx(r: u32, c: u32, w: u32) -> u32 { return r * w + c; }

@compute @workgroup_size(8, 8)
fn sgemm_naive(@builtin(global_invocation_id) gid: vec3<u32>) {
    let x = idx(gid.y, gid.x, dims.n);
}

/* block comment with a brace { that must be ignored */
@compute
@workgroup_size(32u, 4u, 1u)
fn sgemm_naive_32x4(@builtin(global_invocation_id) gid: vec3<u32>) {
}

@compute @workgroup_size(TILE, TILE)
fn sgemm_const(@builtin(global_invocation_id) gid: vec3<u32>) {
}
`

func TestParseEntryPoints(t *testing.T) {
	eps, err := ParseEntryPoints(twoEntrySource)
	if err != nil {
		t.Fatalf("ParseEntryPoints: %v", err)
	}

	want := []EntryPoint{
		{Name: "sgemm_naive", WorkgroupSize: Size{8, 8, 1}},
		{Name: "sgemm_naive_32x4", WorkgroupSize: Size{32, 4, 1}},
		{Name: "sgemm_const", WorkgroupSize: Size{}},
	}
	if len(eps) != len(want) {
		t.Fatalf("got %d entry points %+v, want %d", len(eps), eps, len(want))
	}
	for i := range want {
		if eps[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, eps[i], want[i])
		}
	}
}

func TestParseEntryPointsDiagnostics(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantMsg string
	}{
		{"unclosed brace", "@compute @workgroup_size(1)\nfn f() {\n  let x = 1;\n", "2:8: unclosed '{'"},
		{"stray paren", "@compute @workgroup_size(1)\nfn f() { ) }", "2:10: unexpected ')'"},
		{"no compute entry", "fn f() { }", "no @compute entry point"},
		{"vertex only", "@vertex fn vs() -> @builtin(position) vec4<f32> { return vec4<f32>(); }", "no @compute entry point"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEntryPoints(tt.src)
			var ce *CompileError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CompileError, got %v", err)
			}
			if !strings.Contains(ce.Diagnostic, tt.wantMsg) {
				t.Errorf("diagnostic %q does not contain %q", ce.Diagnostic, tt.wantMsg)
			}
		})
	}
}

func TestSizeInvocations(t *testing.T) {
	if got := (Size{16, 16, 1}).Invocations(); got != 256 {
		t.Errorf("16x16x1 invocations = %d, want 256", got)
	}
	if got := (Size{}).Invocations(); got != 0 {
		t.Errorf("zero size invocations = %d, want 0", got)
	}
}
