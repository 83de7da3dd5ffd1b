package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/multiformats/go-multibase"

	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/drop"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/path"
	"github.com/marmos91/dittoshare/pkg/peer"
	"github.com/marmos91/dittoshare/pkg/store"
)

// parsePath splits a slash-separated path. Empty components are kept, so
// "a//b" has three.
func parsePath(s string) (path.Path, error) {
	if s == "" {
		return path.Path{}, fmt.Errorf("--path is required")
	}
	return path.FromStrings(strings.Split(strings.Trim(s, "/"), "/")...)
}

func storeFor(p *peer.Peer, shareFlag string) (*store.Store, error) {
	share, err := parseShare(shareFlag)
	if err != nil {
		return nil, err
	}
	return p.GetStore(share)
}

func runDoc(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dittoshare doc set|clear|get|ls")
	}

	fs, configPath := newFlagSet("doc " + args[0])
	shareFlag := fs.String("share", "", "Share tag")
	identityFlag := fs.String("identity", "", "Author identity tag")
	pathFlag := fs.String("path", "", "Document path, components separated by /")
	prefixFlag := fs.String("prefix", "", "Only list documents under this path")
	valueFlag := fs.String("value", "", "Payload text (set)")
	fileFlag := fs.String("file", "", "Read the payload from a file, - for stdin (set)")
	prune := fs.Bool("prune", false, "Allow a write to remove documents below its path (set)")
	orderFlag := fs.String("order", "path", "Listing order: path, identity or timestamp")
	desc := fs.Bool("desc", false, "List in descending order")
	limit := fs.Int("limit", 0, "Maximum number of documents to list")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	p, _, err := openPeer(ctx, *configPath)
	if err != nil {
		return err
	}
	defer p.Close()

	s, err := storeFor(p, *shareFlag)
	if err != nil {
		return err
	}

	switch args[0] {
	case "set":
		author, err := parseIdentity(*identityFlag)
		if err != nil {
			return err
		}
		at, err := parsePath(*pathFlag)
		if err != nil {
			return err
		}

		in := store.SetInput{Identity: author, Path: at, Payload: []byte(*valueFlag)}
		switch *fileFlag {
		case "":
		case "-":
			in.Stream = os.Stdin
		default:
			f, err := os.Open(*fileFlag)
			if err != nil {
				return err
			}
			defer f.Close()
			in.Stream = f
		}

		return reportSet(s.Set(ctx, in, *prune))

	case "clear":
		author, err := parseIdentity(*identityFlag)
		if err != nil {
			return err
		}
		at, err := parsePath(*pathFlag)
		if err != nil {
			return err
		}
		doc, err := s.Clear(ctx, author, at)
		if err != nil {
			return err
		}
		if doc == nil {
			fmt.Println("Nothing to clear")
			return nil
		}
		fmt.Printf("Cleared %s\n", doc.Path)
		return nil

	case "get":
		at, err := parsePath(*pathFlag)
		if err != nil {
			return err
		}

		var doc *document.Document
		if *identityFlag != "" {
			author, err := parseIdentity(*identityFlag)
			if err != nil {
				return err
			}
			doc, err = s.Get(ctx, author, at)
			if err != nil {
				return err
			}
		} else {
			doc, err = s.LatestDocAtPath(ctx, at)
			if err != nil {
				return err
			}
		}
		if doc == nil {
			return errs.Validation("no document at %s", at)
		}
		if doc.Payload == nil {
			return fmt.Errorf("payload %s of %s is not held locally yet", doc.Digest, doc.Path)
		}

		rc, err := doc.Payload.Stream(ctx)
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(os.Stdout, rc)
		return err

	case "ls":
		order, err := document.ParseOrder(*orderFlag)
		if err != nil {
			return err
		}
		q := document.Query{Order: order, Descending: *desc, Limit: *limit}
		if *prefixFlag != "" {
			if q.PathPrefix, err = parsePath(*prefixFlag); err != nil {
				return err
			}
		}
		if *identityFlag != "" {
			if q.Identity, err = parseIdentity(*identityFlag); err != nil {
				return err
			}
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PATH\tIDENTITY\tTIMESTAMP\tSIZE\tHELD")
		for doc, err := range s.QueryDocs(ctx, q) {
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\n",
				doc.Path, doc.Identity,
				time.UnixMicro(int64(doc.Timestamp)).UTC().Format(time.RFC3339),
				doc.Size, doc.Payload != nil)
		}
		return tw.Flush()

	default:
		return fmt.Errorf("unknown doc command %q", args[0])
	}
}

func reportSet(ev document.SetEvent) error {
	switch e := ev.(type) {
	case *document.SetSuccess:
		fmt.Printf("Wrote %s (%d bytes)\n", e.Document.Path, e.Document.Size)
		for _, pruned := range e.Pruned {
			fmt.Printf("  pruned %s\n", pruned)
		}
		return nil
	case *document.SetNoOp:
		fmt.Printf("Nothing written: %s\n", e.Reason)
		return nil
	case *document.SetPruningPrevented:
		fmt.Println("Refused: the write would remove these documents (use --prune):")
		for _, d := range e.Preserved {
			fmt.Printf("  %s\n", d.Path)
		}
		return errs.Validation("pruning prevented")
	case *document.SetFailure:
		return e.Err
	default:
		return fmt.Errorf("unexpected set outcome %T", ev)
	}
}

func runDrop(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dittoshare drop keygen|create|ingest")
	}

	if args[0] == "keygen" {
		var key [drop.KeySize]byte
		if _, err := rand.Read(key[:]); err != nil {
			return err
		}
		encoded, err := multibase.Encode(multibase.Base64url, key[:])
		if err != nil {
			return err
		}
		fmt.Println(encoded)
		return nil
	}

	fs, configPath := newFlagSet("drop " + args[0])
	shareFlag := fs.String("share", "", "Share tag")
	fileFlag := fs.String("file", "", "Drop file, - for stdin/stdout")
	keyFlag := fs.String("key", "", "Encryption key from 'drop keygen'; empty for a plain drop")
	prefixFlag := fs.String("prefix", "", "Only include documents under this path (create)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *fileFlag == "" {
		return fmt.Errorf("--file is required")
	}

	key, err := parseDropKey(*keyFlag)
	if err != nil {
		return err
	}

	p, _, err := openPeer(ctx, *configPath)
	if err != nil {
		return err
	}
	defer p.Close()

	s, err := storeFor(p, *shareFlag)
	if err != nil {
		return err
	}

	switch args[0] {
	case "create":
		var q document.Query
		if *prefixFlag != "" {
			if q.PathPrefix, err = parsePath(*prefixFlag); err != nil {
				return err
			}
		}

		var encrypt drop.Transform
		if key != nil {
			encrypt = drop.SecretboxEncrypt(key)
		}

		out := io.Writer(os.Stdout)
		if *fileFlag != "-" {
			f, err := os.Create(*fileFlag)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		n, err := s.CreateDrop(ctx, q, out, encrypt)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %d entries\n", n)
		return nil

	case "ingest":
		var decrypt drop.ReverseTransform
		if key != nil {
			decrypt = drop.SecretboxDecrypt(key)
		}

		in := io.Reader(os.Stdin)
		if *fileFlag != "-" {
			f, err := os.Open(*fileFlag)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		res, err := s.IngestDrop(ctx, in, decrypt)
		if err != nil {
			return err
		}
		fmt.Printf("Stored %d, unchanged %d, rejected %d, payloads %d\n",
			res.Stored, res.NoOp, res.Rejected, res.Payloads)
		return nil

	default:
		return fmt.Errorf("unknown drop command %q", args[0])
	}
}

func parseDropKey(s string) (*[drop.KeySize]byte, error) {
	if s == "" {
		return nil, nil
	}
	_, raw, err := multibase.Decode(s)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "decode drop key")
	}
	if len(raw) != drop.KeySize {
		return nil, errs.Validation("drop key must be %d bytes, got %d", drop.KeySize, len(raw))
	}
	var key [drop.KeySize]byte
	copy(key[:], raw)
	return &key, nil
}
