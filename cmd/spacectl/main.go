package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ruteri/spacestore/chunk"
	"github.com/ruteri/spacestore/cmd/flags"
	"github.com/ruteri/spacestore/duplication"
	"github.com/ruteri/spacestore/httpserver"
	"github.com/ruteri/spacestore/interfaces"
	"github.com/ruteri/spacestore/report"
	"github.com/ruteri/spacestore/storage"
	"github.com/ruteri/spacestore/writer"
	"github.com/urfave/cli/v2"
)

var flagProvider = &cli.StringFlag{
	Name:    "provider",
	Aliases: []string{"p"},
	EnvVars: []string{"SPACESTORE_PROVIDER"},
	Usage:   "provider location URI, e.g. s3://KEY:SECRET@s3.amazonaws.com/?region=us-east-1",
}

var flagMirror = &cli.StringSliceFlag{
	Name:  "mirror",
	Usage: "additional provider URIs every write is replicated to",
}

var flagSet = &cli.StringSliceFlag{
	Name:  "set",
	Usage: "metadata to store, as key=value; may be repeated",
}

var flagJSON = &cli.BoolFlag{
	Name:  "json",
	Usage: "print JSON instead of text",
}

// env carries what every command needs.
type env struct {
	log      *slog.Logger
	factory  *storage.ProviderFactory
	provider interfaces.StorageProvider
}

func setup(cCtx *cli.Context) (*env, error) {
	if cCtx.String(flagProvider.Name) == "" {
		return nil, cli.Exit("--provider is required", 2)
	}
	logger := flags.SetupLogger(cCtx)
	factory, err := flags.ProviderFactory(cCtx, logger)
	if err != nil {
		return nil, err
	}
	uris := append([]string{cCtx.String(flagProvider.Name)}, cCtx.StringSlice(flagMirror.Name)...)
	provider, err := factory.CreateMirrorProvider(cCtx.Context, uris)
	if err != nil {
		return nil, err
	}
	return &env{log: logger, factory: factory, provider: provider}, nil
}

// action wraps a command body with provider setup and argument count checks.
func action(nargs int, fn func(cCtx *cli.Context, e *env) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		if cCtx.NArg() < nargs {
			return cli.Exit(fmt.Sprintf("expected %d arguments, got %d: %s", nargs, cCtx.NArg(), cCtx.Command.ArgsUsage), 2)
		}
		e, err := setup(cCtx)
		if err != nil {
			return err
		}
		return fn(cCtx, e)
	}
}

func parseMetadata(pairs []string) (map[string]string, error) {
	meta := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q: expected key=value", kv)
		}
		meta[k] = v
	}
	return meta, nil
}

func printMetadata(w io.Writer, meta map[string]string) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, meta[k])
	}
}

func listSpaces(cCtx *cli.Context, e *env) error {
	it, err := e.provider.GetSpaces(cCtx.Context)
	if err != nil {
		return err
	}
	spaces, err := storage.Collect(cCtx.Context, it)
	if err != nil {
		return err
	}
	for _, s := range spaces {
		fmt.Println(s)
	}
	return nil
}

func createSpace(cCtx *cli.Context, e *env) error {
	spaceID := cCtx.Args().Get(0)
	if err := e.provider.CreateSpace(cCtx.Context, spaceID); err != nil {
		return err
	}
	if pairs := cCtx.StringSlice(flagSet.Name); len(pairs) > 0 {
		meta, err := parseMetadata(pairs)
		if err != nil {
			return err
		}
		return e.provider.SetSpaceMetadata(cCtx.Context, spaceID, meta)
	}
	return nil
}

func deleteSpace(cCtx *cli.Context, e *env) error {
	return e.provider.DeleteSpace(cCtx.Context, cCtx.Args().Get(0))
}

func spaceMeta(cCtx *cli.Context, e *env) error {
	spaceID := cCtx.Args().Get(0)
	if pairs := cCtx.StringSlice(flagSet.Name); len(pairs) > 0 {
		meta, err := parseMetadata(pairs)
		if err != nil {
			return err
		}
		return e.provider.SetSpaceMetadata(cCtx.Context, spaceID, meta)
	}
	meta, err := e.provider.GetSpaceMetadata(cCtx.Context, spaceID)
	if err != nil {
		return err
	}
	printMetadata(os.Stdout, meta)
	return nil
}

func setAccess(cCtx *cli.Context, e *env) error {
	access, err := interfaces.ParseAccessType(cCtx.Args().Get(1))
	if err != nil {
		return err
	}
	return e.provider.SetSpaceAccess(cCtx.Context, cCtx.Args().Get(0), access)
}

func listContents(cCtx *cli.Context, e *env) error {
	spaceID := cCtx.Args().Get(0)
	prefix := cCtx.String("prefix")

	if cCtx.IsSet("max") || cCtx.IsSet("marker") {
		ids, err := e.provider.GetSpaceContentsChunked(cCtx.Context, spaceID, prefix, cCtx.Int("max"), cCtx.String("marker"))
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}

	it, err := e.provider.GetSpaceContents(cCtx.Context, spaceID, prefix)
	if err != nil {
		return err
	}
	for {
		more, err := it.HasNext(cCtx.Context)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		id, err := it.Next(cCtx.Context)
		if err != nil {
			return err
		}
		if !cCtx.Bool("all") && chunk.IsReserved(id) {
			if parent, ok := chunk.ParseManifestID(id); ok {
				fmt.Println(parent)
			}
			continue
		}
		fmt.Println(id)
	}
}

func put(cCtx *cli.Context, e *env) error {
	spaceID, contentID := cCtx.Args().Get(0), cCtx.Args().Get(1)
	path := cCtx.Args().Get(2)

	cfg, err := flags.WriterConfig(cCtx)
	if err != nil {
		return err
	}
	meta, err := parseMetadata(cCtx.StringSlice(flagSet.Name))
	if err != nil {
		return err
	}

	req := writer.Request{
		SpaceID:   spaceID,
		ContentID: contentID,
		MimeType:  cCtx.String("mimetype"),
		Metadata:  meta,
		Size:      -1,
		Checksum:  cCtx.String("checksum"),
	}
	if path == "" || path == "-" {
		req.Content = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		req.Content = f
		req.Size = info.Size()
		if req.MimeType == "" {
			req.MimeType = mime.TypeByExtension(filepath.Ext(path))
		}
	}

	w := writer.New(e.provider, cfg, e.log)
	sum, err := w.Write(cCtx.Context, req)
	if err != nil {
		return err
	}
	if cCtx.Bool(flagJSON.Name) {
		return json.NewEncoder(os.Stdout).Encode(w.Results())
	}
	fmt.Printf("%s/%s %s (%d items written)\n", spaceID, contentID, sum, len(w.Results()))
	return nil
}

func get(cCtx *cli.Context, e *env) error {
	spaceID, contentID := cCtx.Args().Get(0), cCtx.Args().Get(1)
	rc, manifest, err := chunk.Open(cCtx.Context, e.provider, spaceID, contentID, e.log)
	if err != nil {
		return err
	}
	defer rc.Close()

	var out io.Writer = os.Stdout
	if path := cCtx.Args().Get(2); path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	n, err := io.Copy(out, rc)
	if err != nil {
		return err
	}
	chunks := 0
	if manifest != nil {
		chunks = len(manifest.Chunks)
	}
	e.log.Info("Content retrieved",
		"space_id", spaceID,
		"content_id", contentID,
		"size", humanize.IBytes(uint64(n)),
		"chunks", chunks)
	return nil
}

func contentMeta(cCtx *cli.Context, e *env) error {
	spaceID, contentID := cCtx.Args().Get(0), cCtx.Args().Get(1)

	target := contentID
	if _, err := chunk.LoadManifest(cCtx.Context, e.provider, spaceID, contentID); err == nil {
		target = chunk.ManifestID(contentID)
	} else if !interfaces.IsNotFound(err) {
		return err
	}

	if pairs := cCtx.StringSlice(flagSet.Name); len(pairs) > 0 {
		meta, err := parseMetadata(pairs)
		if err != nil {
			return err
		}
		return e.provider.SetContentMetadata(cCtx.Context, spaceID, target, meta)
	}
	meta, err := e.provider.GetContentMetadata(cCtx.Context, spaceID, target)
	if err != nil {
		return err
	}
	printMetadata(os.Stdout, meta)
	return nil
}

func remove(cCtx *cli.Context, e *env) error {
	cfg, err := flags.WriterConfig(cCtx)
	if err != nil {
		return err
	}
	return writer.New(e.provider, cfg, e.log).Delete(cCtx.Context, cCtx.Args().Get(0), cCtx.Args().Get(1))
}

func duplicate(cCtx *cli.Context, e *env) error {
	target, err := e.factory.ProviderForURI(cCtx.Context, cCtx.String("to"))
	if err != nil {
		return err
	}

	spaces := cCtx.Args().Slice()
	if len(spaces) == 0 {
		it, err := e.provider.GetSpaces(cCtx.Context)
		if err != nil {
			return err
		}
		if spaces, err = storage.Collect(cCtx.Context, it); err != nil {
			return err
		}
	}

	status := duplication.NewStatus()
	syncer := duplication.NewSpaceSync(
		duplication.NewSpaceDuplicator(e.provider, target, status, flags.RetryPolicy(cCtx), e.log),
		duplication.SyncOptions{
			Prefix:           cCtx.String("prefix"),
			Workers:          cCtx.Int("workers"),
			DeleteExtraneous: cCtx.Bool("delete-extraneous"),
			FailFast:         cCtx.Bool(flags.FailFastFlag.Name),
		})

	var errs []error
	for _, spaceID := range spaces {
		res, err := syncer.Run(cCtx.Context, spaceID)
		fmt.Printf("%s: %d copied, %d skipped, %d deleted, %d failed in %s\n",
			spaceID, res.Copied, res.Skipped, res.Deleted, res.Failed, res.Duration)
		if err != nil {
			errs = append(errs, fmt.Errorf("space %s: %w", spaceID, err))
			if cCtx.Bool(flags.FailFastFlag.Name) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func buildReport(cCtx *cli.Context, e *env) error {
	r, err := report.NewBuilder(e.provider, e.log).Build(cCtx.Context)
	if err != nil {
		return err
	}
	if cCtx.Bool(flagJSON.Name) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Print(r.String())
	return nil
}

// serverStatus queries a running duplicatord and needs no provider.
func serverStatus(cCtx *cli.Context) error {
	c := &httpserver.Client{ServerAddr: cCtx.String("server")}
	snap, err := c.Status(cCtx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("in flight %d, succeeded %s, failed %s, retries %s\n",
		snap.InFlight, humanize.Comma(snap.Succeeded), humanize.Comma(snap.Failed), humanize.Comma(snap.Retries))
	if snap.LastError != "" {
		fmt.Printf("last error: %s\n", snap.LastError)
	}
	if !snap.LastUpdate.IsZero() {
		fmt.Printf("last update: %s\n", humanize.Time(snap.LastUpdate))
	}

	r, err := c.Report(cCtx.Context)
	if errors.Is(err, httpserver.ErrNoReport) {
		return nil
	} else if err != nil {
		return err
	}
	fmt.Print(r.String())
	return nil
}

func main() {
	app := &cli.App{
		Name:  "spacestore-cli",
		Usage: "Manage spaces and content on any supported storage provider",
		Flags: append(append([]cli.Flag{
			flagProvider,
			flagMirror,
			flags.LogServiceFlagFn("spacectl"),
		}, flags.LogFlags...), flags.VaultFlags...),
		Commands: []*cli.Command{
			{
				Name:   "spaces",
				Usage:  "list spaces",
				Action: action(0, listSpaces),
			},
			{
				Name:      "create-space",
				Usage:     "create a space",
				ArgsUsage: "SPACE",
				Flags:     []cli.Flag{flagSet},
				Action:    action(1, createSpace),
			},
			{
				Name:      "delete-space",
				Usage:     "delete a space and everything in it",
				ArgsUsage: "SPACE",
				Action:    action(1, deleteSpace),
			},
			{
				Name:      "space-meta",
				Usage:     "print or update space metadata",
				ArgsUsage: "SPACE",
				Flags:     []cli.Flag{flagSet},
				Action:    action(1, spaceMeta),
			},
			{
				Name:      "set-access",
				Usage:     "set space access to OPEN or CLOSED",
				ArgsUsage: "SPACE ACCESS",
				Action:    action(2, setAccess),
			},
			{
				Name:      "ls",
				Usage:     "list content ids of a space",
				ArgsUsage: "SPACE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "prefix", Usage: "only ids starting with this prefix"},
					&cli.IntFlag{Name: "max", Value: interfaces.DefaultMaxResults, Usage: "page size"},
					&cli.StringFlag{Name: "marker", Usage: "list ids after this one"},
					&cli.BoolFlag{Name: "all", Usage: "show chunk and manifest ids"},
				},
				Action: action(1, listContents),
			},
			{
				Name:      "put",
				Usage:     "store a file or stdin, chunking it when larger than --max-chunk-size",
				ArgsUsage: "SPACE CONTENT [FILE]",
				Flags: append([]cli.Flag{
					flagSet,
					flagJSON,
					&cli.StringFlag{Name: "mimetype", Usage: "content mimetype, guessed from the file extension when empty"},
					&cli.StringFlag{Name: "checksum", Usage: "expected MD5 of the whole content"},
				}, flags.WriterFlags...),
				Action: action(2, put),
			},
			{
				Name:      "get",
				Usage:     "retrieve content, reassembling chunks",
				ArgsUsage: "SPACE CONTENT [FILE]",
				Action:    action(2, get),
			},
			{
				Name:      "content-meta",
				Usage:     "print or update content metadata",
				ArgsUsage: "SPACE CONTENT",
				Flags:     []cli.Flag{flagSet},
				Action:    action(2, contentMeta),
			},
			{
				Name:      "rm",
				Usage:     "delete content with all of its chunks",
				ArgsUsage: "SPACE CONTENT",
				Flags:     flags.WriterFlags,
				Action:    action(2, remove),
			},
			{
				Name:      "duplicate",
				Usage:     "sync spaces to another provider",
				ArgsUsage: "[SPACE...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Required: true, Usage: "target provider URI"},
					&cli.StringFlag{Name: "prefix", Usage: "only ids starting with this prefix"},
					&cli.IntFlag{Name: "workers", Value: 4, Usage: "concurrent copies"},
					&cli.BoolFlag{Name: "delete-extraneous", Usage: "delete target items missing from the source"},
					flags.RetryAttemptsFlag,
					flags.FailFastFlag,
				},
				Action: action(0, duplicate),
			},
			{
				Name:   "report",
				Usage:  "print item counts and sizes per space",
				Flags:  []cli.Flag{flagJSON},
				Action: action(0, buildReport),
			},
			{
				Name:  "status",
				Usage: "show duplication status and the latest report of a running duplicatord",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Value: "http://127.0.0.1:8080", Usage: "duplicatord status API address"},
				},
				Action: serverStatus,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
