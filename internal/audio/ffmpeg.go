package audio

import "strconv"

// buildFFmpegCaptureArgs constructs FFmpeg arguments for raw PCM capture.
func buildFFmpegCaptureArgs(inputFormat, device string, f Format, nostdin bool) []string {
	args := []string{"-f", inputFormat, "-i", device}
	if nostdin {
		args = append(args, "-nostdin")
	}
	return append(args,
		"-hide_banner",
		"-loglevel", "warning",
		"-vn",
		"-f", f.ffmpegSampleFormat(),
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"pipe:1",
	)
}

// rawInputArgs describes raw PCM arriving on stdin.
func rawInputArgs(f Format) []string {
	return []string{
		"-f", f.ffmpegSampleFormat(),
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", "pipe:0",
	}
}
