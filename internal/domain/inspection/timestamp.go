package inspection

import "fmt"

// FormatTimestamp renders seconds as M:SS, e.g. 83.4 -> "1:23".
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
