package ytdlp

import "strconv"

// progressMarker prefixes every progress line the subprocess emits, so
// they can be told apart from the info dict and incidental output.
const progressMarker = "dlprog "

// BuildArgs assembles the yt-dlp argument list for one extraction.
// Progress events arrive on stdout as marker-prefixed JSON lines and the
// final info dict is printed after the file has been moved into place.
func BuildArgs(url string, opts Options) []string {
	args := []string{
		"--newline",
		"--progress",
		"--progress-template", "download:" + progressMarker + "%(progress)j",
		"--no-simulate",
		"--print", "after_move:%()j",
		"--no-warnings",
		"-o", opts.OutputTemplate,
	}

	if opts.Format != "" {
		args = append(args, "-f", opts.Format)
	}
	if opts.RestrictFilenames {
		args = append(args, "--restrict-filenames")
	}
	if opts.Retries > 0 {
		args = append(args, "--retries", strconv.Itoa(opts.Retries))
	}
	if opts.ConcurrentFragments > 0 {
		args = append(args, "--concurrent-fragments", strconv.Itoa(opts.ConcurrentFragments))
	}
	if opts.WriteThumbnail {
		args = append(args, "--write-thumbnail")
	}
	if opts.WriteInfoJSON {
		args = append(args, "--write-info-json")
	}

	if opts.AudioOnly {
		format := opts.AudioFormat
		if format == "" {
			format = "m4a"
		}
		args = append(args, "--extract-audio", "--audio-format", format)
	} else if opts.MergeOutputFormat != "" {
		args = append(args, "--merge-output-format", opts.MergeOutputFormat)
	}

	if opts.FFmpegLocation != "" {
		args = append(args, "--ffmpeg-location", opts.FFmpegLocation)
	}
	for _, extractorArg := range opts.ExtractorArgs {
		args = append(args, "--extractor-args", extractorArg)
	}

	// The URL comes last, after the option terminator, so a URL starting
	// with a dash can never be read as a flag.
	args = append(args, "--", url)
	return args
}
