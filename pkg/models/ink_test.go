package models

import "testing"

func TestCentroid(t *testing.T) {
	tests := []struct {
		name    string
		strokes []*Stroke
		want    XY
	}{
		{name: "empty", strokes: nil, want: XY{X: 0.5, Y: 0.5}},
		{name: "nil stroke", strokes: []*Stroke{nil}, want: XY{X: 0.5, Y: 0.5}},
		{
			name: "two strokes",
			strokes: []*Stroke{
				{Points: []Point{{X: 0, Y: 0}, {X: 1, Y: 0}}},
				{Points: []Point{{X: 0.5, Y: 0.9}}},
			},
			want: XY{X: 0.5, Y: 0.3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Centroid(tt.strokes)
			if diff(got.X, tt.want.X) > 1e-9 || diff(got.Y, tt.want.Y) > 1e-9 {
				t.Errorf("Centroid() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStroke_Clone(t *testing.T) {
	s := &Stroke{ID: "u_1", Layer: LayerUser, Points: []Point{{X: 0.1, Y: 0.2, P: 0.5}}}
	c := s.Clone()
	c.Points[0].X = 0.9
	c.Points = append(c.Points, Point{})

	if s.Points[0].X != 0.1 {
		t.Errorf("original mutated through clone: %v", s.Points[0].X)
	}
	if len(s.Points) != 1 {
		t.Errorf("original length = %d, want 1", len(s.Points))
	}

	var nilStroke *Stroke
	if nilStroke.Clone() != nil {
		t.Error("Clone of nil stroke should be nil")
	}
}

func diff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestRemember(t *testing.T) {
	var list []string
	for i := 0; i < MemorySize+3; i++ {
		list = Remember(list, string(rune('a'+i)))
	}
	list = Remember(list, "  ")
	if len(list) != MemorySize {
		t.Fatalf("len = %d, want %d", len(list), MemorySize)
	}
	if list[0] != "d" || list[MemorySize-1] != "k" {
		t.Errorf("list = %v, want the newest %d entries", list, MemorySize)
	}
}

func TestMemory_Clone(t *testing.T) {
	m := Memory{RecentPrompts: []string{"cat"}, RecentPlans: []string{"draw whiskers"}}
	c := m.Clone()
	c.RecentPrompts[0] = "dog"
	c.RecentPlans = append(c.RecentPlans, "x")
	if m.RecentPrompts[0] != "cat" || len(m.RecentPlans) != 1 {
		t.Errorf("original mutated through clone: %+v", m)
	}
}
