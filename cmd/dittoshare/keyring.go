package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/marmos91/dittoshare/pkg/capability"
	"github.com/marmos91/dittoshare/pkg/keys"
)

func runIdentity(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dittoshare identity new <shortname> | identity ls")
	}

	fs, configPath := newFlagSet("identity " + args[0])
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	p, _, err := openPeer(ctx, *configPath)
	if err != nil {
		return err
	}
	defer p.Close()

	switch args[0] {
	case "new":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: dittoshare identity new <shortname>")
		}
		id, err := p.CreateIdentity(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Println(id.Tag)
		return nil

	case "ls":
		for _, tag := range p.Identities() {
			fmt.Println(tag)
		}
		return nil

	default:
		return fmt.Errorf("unknown identity command %q", args[0])
	}
}

func runShare(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dittoshare share new <shortname> | share ls")
	}

	fs, configPath := newFlagSet("share " + args[0])
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	p, _, err := openPeer(ctx, *configPath)
	if err != nil {
		return err
	}
	defer p.Close()

	switch args[0] {
	case "new":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: dittoshare share new <shortname>")
		}
		share, err := p.CreateShare(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Println(share.Tag)
		return nil

	case "ls":
		for _, tag := range p.Shares() {
			fmt.Println(tag)
		}
		return nil

	default:
		return fmt.Errorf("unknown share command %q", args[0])
	}
}

func runCap(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dittoshare cap mint|delegate|import|ls")
	}

	fs, configPath := newFlagSet("cap " + args[0])
	shareFlag := fs.String("share", "", "Share tag")
	holderFlag := fs.String("holder", "", "Identity tag of the new holder")
	modeFlag := fs.String("mode", "read", "Capability mode: read or write")
	tokenFlag := fs.String("token", "", "Capability token to delegate")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	p, _, err := openPeer(ctx, *configPath)
	if err != nil {
		return err
	}
	defer p.Close()

	switch args[0] {
	case "mint":
		share, err := parseShare(*shareFlag)
		if err != nil {
			return err
		}
		holder, err := parseIdentity(*holderFlag)
		if err != nil {
			return err
		}
		mode, err := capability.ParseMode(*modeFlag)
		if err != nil {
			return err
		}
		c, err := p.MintCap(ctx, share, holder, mode)
		if err != nil {
			return err
		}
		fmt.Println(c.String())
		return nil

	case "delegate":
		c, err := capability.ParseToken(*tokenFlag)
		if err != nil {
			return err
		}
		holder, err := parseIdentity(*holderFlag)
		if err != nil {
			return err
		}
		mode, err := capability.ParseMode(*modeFlag)
		if err != nil {
			return err
		}
		delegated, err := p.Delegate(c, holder, mode)
		if err != nil {
			return err
		}
		fmt.Println(delegated.String())
		return nil

	case "import":
		token := *tokenFlag
		if token == "" && fs.NArg() == 1 {
			token = fs.Arg(0)
		}
		c, err := capability.ParseToken(token)
		if err != nil {
			return err
		}
		imported, err := p.ImportCap(ctx, c.Export())
		if err != nil {
			return err
		}
		fmt.Printf("Imported %s capability for %s\n", imported.Mode(), imported.Share())
		return nil

	case "ls":
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SHARE\tMODE\tHOLDER\tDEPTH")
		for _, share := range p.Shares() {
			for _, c := range p.Capabilities(share) {
				holder := "(not in keyring)"
				if id, ok := p.IdentityByPublicKey(c.Receiver()); ok {
					holder = string(id.Tag)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.Share(), c.Mode(), holder, c.Depth())
			}
		}
		return tw.Flush()

	default:
		return fmt.Errorf("unknown cap command %q", args[0])
	}
}

func parseShare(s string) (keys.ShareTag, error) {
	if s == "" {
		return "", fmt.Errorf("--share is required")
	}
	tag, _, err := keys.ParseShareTag(s)
	return tag, err
}

func parseIdentity(s string) (keys.IdentityTag, error) {
	if s == "" {
		return "", fmt.Errorf("--holder is required")
	}
	tag, _, err := keys.ParseIdentityTag(s)
	return tag, err
}
