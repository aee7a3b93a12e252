package graph

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func decodeParam(t *testing.T, doc string) (Param, error) {
	t.Helper()
	var p Param
	err := yaml.Unmarshal([]byte(doc), &p)
	return p, err
}

func TestParam_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want Param
	}{
		{"string scalar", `poisson`, String("poisson")},
		{"quoted number stays string", `"8"`, String("8")},
		{"int scalar", `8`, Number(8)},
		{"float scalar", `0.25`, Number(0.25)},
		{"bool scalar", `true`, Bool(true)},
		{"path mapping", `{path: /data/in.laz}`, Path("/data/in.laz")},
		{"global mapping", `{global: method}`, GlobalRef("method")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeParam(t, tt.doc)
			if err != nil {
				t.Fatalf("unmarshal %q failed: %v", tt.doc, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("unmarshal %q = %+v, want %+v", tt.doc, got, tt.want)
			}
		})
	}
}

func TestParam_UnmarshalYAML_Rejects(t *testing.T) {
	for _, doc := range []string{
		`{path: /a, global: b}`,
		`{unknown: x}`,
		`[1, 2]`,
	} {
		if _, err := decodeParam(t, doc); err == nil {
			t.Errorf("unmarshal %q: expected error, got nil", doc)
		}
	}
}

func TestParam_MarshalRoundTrip(t *testing.T) {
	for _, p := range []Param{
		String("poisson"),
		Number(0.5),
		Bool(false),
		Path("/data/out.gpkg"),
		GlobalRef("method"),
	} {
		data, err := yaml.Marshal(p)
		if err != nil {
			t.Fatalf("marshal %+v failed: %v", p, err)
		}
		var back Param
		if err := yaml.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %q failed: %v", data, err)
		}
		if !back.Equal(p) {
			t.Errorf("round trip changed %+v to %+v (doc %q)", p, back, data)
		}
	}

	if _, err := yaml.Marshal(Param{}); err == nil {
		t.Error("expected marshal of invalid param to fail")
	}
}

func TestParam_Render(t *testing.T) {
	tests := []struct {
		p    Param
		want string
	}{
		{String("poisson"), "poisson"},
		{Number(8), "8"},
		{Number(0.25), "0.25"},
		{Bool(true), "true"},
		{Path("/data/in.laz"), "/data/in.laz"},
	}
	for _, tt := range tests {
		if got := tt.p.Render(); got != tt.want {
			t.Errorf("Render(%+v) = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestParam_KindString(t *testing.T) {
	if got := Path("/x").Kind().String(); got != "path" {
		t.Errorf("Kind().String() = %q, want path", got)
	}
	if !strings.Contains(Param{}.Kind().String(), "invalid") {
		t.Errorf("zero param kind = %q, want invalid", Param{}.Kind().String())
	}
}
