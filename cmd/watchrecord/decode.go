package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/djlord-it/watchrecord/internal/document"
	"github.com/djlord-it/watchrecord/internal/reconciler"
	"github.com/djlord-it/watchrecord/internal/record"
	"github.com/djlord-it/watchrecord/internal/trigger"
)

// runDecode decodes one stored record offline and prints it re-encoded.
// The document is read from file, or from stdin when no file is given.
func runDecode(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dateFormat := fs.String("date-format", document.DateFormatISO, "timestamp format of the re-encoded document (iso or epoch_millis)")
	if err := fs.Parse(args); err != nil {
		return exitInvalidConfig
	}

	if *dateFormat != document.DateFormatISO && *dateFormat != document.DateFormatEpochMillis {
		fmt.Fprintf(stderr, "unknown date format: %s\n", *dateFormat)
		return exitInvalidConfig
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(stderr, "usage: watchrecord decode [-date-format iso|epoch_millis] <id> [file]")
		return exitInvalidConfig
	}
	id := fs.Arg(0)

	in := stdin
	if fs.NArg() == 2 {
		f, err := os.Open(fs.Arg(1))
		if err != nil {
			fmt.Fprintf(stderr, "failed to open record: %v\n", err)
			return exitRuntimeError
		}
		defer f.Close()
		in = f
	}

	source, err := io.ReadAll(in)
	if err != nil {
		fmt.Fprintf(stderr, "failed to read record: %v\n", err)
		return exitRuntimeError
	}

	codec := record.NewCodec(trigger.NewDefaultRegistry())
	w, err := codec.Decode(id, 0, source)
	if err != nil {
		fmt.Fprintf(stderr, "decode failed (reason=%s): %v\n", reconciler.FailureReason(err), err)
		return exitRuntimeError
	}

	out, err := record.Encode(w, document.Params{document.ParamDateFormat: *dateFormat})
	if err != nil {
		fmt.Fprintf(stderr, "re-encode failed: %v\n", err)
		return exitRuntimeError
	}

	event := w.TriggerEvent()
	fmt.Fprintf(stdout, "watch:        %s\n", w.ID().WatchName())
	fmt.Fprintf(stdout, "id:           %s\n", w.ID())
	fmt.Fprintf(stdout, "trigger_type: %s\n", event.Type())
	fmt.Fprintf(stdout, "triggered_at: %s\n", event.TriggeredTime().Format(document.DateLayout))
	fmt.Fprintf(stdout, "%s\n", out)
	return exitSuccess
}
