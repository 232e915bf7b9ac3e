package workflow

// NextCursor returns where a loop-back from step i lands: back steps earlier,
// clamped at 0, then forward past any index skip reports. It never lands past
// i, so a loop whose whole range is skipped re-runs step i.
func NextCursor(i, back int, skip func(index int) bool) int {
	target := i - back
	if target < 0 {
		target = 0
	}
	for target < i && skip != nil && skip(target) {
		target++
	}
	return target
}
