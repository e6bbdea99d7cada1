package reconcile

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label string
		lvl   Level
		want  string
	}{
		{"2座", LevelBlock, "2"},
		{"Block 2", LevelBlock, "2"},
		{"BLK 2", LevelBlock, "2"},
		{"第二座", LevelBlock, "2"},
		{"２座", LevelBlock, "2"},
		{"Tower A", LevelBlock, "a"},
		{"A棟", LevelBlock, "a"},
		{"Marina Heights", LevelBlock, "marinaheights"},
		{"座", LevelBlock, "座"},
		{"1期2座", LevelBlock, "1-2"},
		{"第一期二座", LevelBlock, "1-2"},
		{"Phase 1 Block 2", LevelBlock, "1-2"},
		{"3期", LevelBlock, "3"},
		{"Phase 3", LevelBlock, "3"},
		{"12座", LevelBlock, "12"},
		{"15樓", LevelFloor, "15"},
		{"15/F", LevelFloor, "15"},
		{"15 / F", LevelFloor, "15"},
		{"15F", LevelFloor, "15"},
		{"floor 15", LevelFloor, "15"},
		{"15th Floor", LevelFloor, "15"},
		{"十五樓", LevelFloor, "15"},
		{"二十一楼", LevelFloor, "21"},
		{"05層", LevelFloor, "5"},
		{"G/F", LevelFloor, "g"},
		{"Ground Floor", LevelFloor, "g"},
		{"地下", LevelFloor, "g"},
		{"A室", LevelFlat, "a"},
		{"Flat A", LevelFlat, "a"},
		{"a", LevelFlat, "a"},
		{"Unit 1A", LevelFlat, "1a"},
		{"ＲＯＯＭ　Ｂ", LevelFlat, "b"},
		{"  ", LevelFlat, ""},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tt.label, tt.lvl); got != tt.want {
				t.Errorf("Normalize(%q, %v) = %q, want %q", tt.label, tt.lvl, got, tt.want)
			}
		})
	}
}

func TestNormalize_PhaseDoesNotMergeIntoBlock(t *testing.T) {
	t.Parallel()

	if a, b := Normalize("1期2座", LevelBlock), Normalize("12座", LevelBlock); a == b {
		t.Errorf("1期2座 and 12座 share key %q", a)
	}
	if a, b := Normalize("1期2座", LevelBlock), Normalize("Phase 1, Block 2", LevelBlock); a != b {
		t.Errorf("Chinese and English phase forms differ: %q vs %q", a, b)
	}
}

func TestChineseNumerals(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"十":      "10",
		"十五":     "15",
		"二十":     "20",
		"二十一":    "21",
		"一五":     "15",
		"兩":      "2",
		"一百零五":   "105",
		"第三期":    "第3期",
		"no num": "no num",
	}
	for in, want := range tests {
		if got := chineseNumerals(in); got != want {
			t.Errorf("chineseNumerals(%q) = %q, want %q", in, got, want)
		}
	}
}
