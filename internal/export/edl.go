package export

import (
	"fmt"
	"math"
	"strings"
)

// GenerateEDL renders a plan as a CMX3600 edit decision list. Gaps appear as
// black (BL) events so the record timecodes line up with the rendered file.
func GenerateEDL(plan Plan, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = 30
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", title)}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	for i, pc := range plan.Pieces {
		recIn := msToTimecode(pc.RecordFrom, fps)
		recOut := msToTimecode(pc.RecordTo, fps)

		if pc.Kind == PieceFiller {
			lines = append(lines,
				fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, "BL", "V",
					msToTimecode(0, fps), msToTimecode(pc.DurationMs(), fps), recIn, recOut),
				"",
			)
			continue
		}

		srcIn := msToTimecode(pc.InPointMs, fps)
		srcOut := msToTimecode(pc.InPointMs+pc.ReadMs, fps)
		name := pc.SceneID
		if name == "" {
			name = pc.ItemID
		}
		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, "AX", "V", srcIn, srcOut, recIn, recOut),
			fmt.Sprintf("* FROM CLIP NAME:  %s", name),
			fmt.Sprintf("* MEDIA PATH:  %s", pc.Source.URL()),
		)
		if pc.PlaybackRate != 0 && pc.PlaybackRate != 1 {
			lines = append(lines, fmt.Sprintf("M2   %-8s %05.1f    %s", "AX", pc.PlaybackRate*float64(fps), srcIn))
		}
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}

func msToTimecode(ms int64, fps int) string {
	totalFrames := int64(math.Round(float64(ms) * float64(fps) / 1000.0))
	f := int64(fps)
	frames := totalFrames % f
	totalSeconds := totalFrames / f
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
