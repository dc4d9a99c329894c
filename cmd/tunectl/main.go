// Command tunectl inspects a stopped server's state and mints console
// tokens.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/archive"
	"github.com/crystal-mush/worldtune/pkg/boltstore"
	"github.com/crystal-mush/worldtune/pkg/events"
	"github.com/crystal-mush/worldtune/pkg/passwd"
	"github.com/crystal-mush/worldtune/pkg/registry"
	"github.com/crystal-mush/worldtune/pkg/schema"
	"github.com/crystal-mush/worldtune/pkg/server"
	"github.com/crystal-mush/worldtune/pkg/validate"
)

func main() {
	boltPath := flag.String("bolt", "", "Path to bbolt state database")
	export := flag.Bool("export", false, "Print the saved state as a seed file")
	overrides := flag.Bool("overrides", false, "List journaled overrides")
	check := flag.Bool("check", false, "Check the saved state for problems")
	fix := flag.String("fix", "", "With -check, fix findings in this category and save")
	format := flag.Int("format", int(registry.CurrentVersion), "Save format to check against and write with -fix")
	seedFile := flag.String("seed", "", "With -check, also check this seed file")
	archives := flag.String("archives", "", "List backup archives in this directory")
	confFile := flag.String("conf", "", "Validate a server config file")
	token := flag.Bool("token", false, "Mint a console token")
	subject := flag.String("subject", "", "Token subject (with -token)")
	level := flag.String("level", "operator", "Token access level (with -token)")
	secret := flag.String("secret", os.Getenv("TUNE_JWT_SECRET"), "JWT signing secret (env: TUNE_JWT_SECRET)")
	expiry := flag.Int("expiry", 3600, "Token lifetime in seconds (with -token)")
	hash := flag.String("hash", "", "Print a password hash for an operators entry")
	flag.Parse()

	if *hash != "" {
		h, err := passwd.Hash(*hash)
		if err != nil {
			fail(err)
		}
		fmt.Println(h)
		return
	}

	if *boltPath == "" && *archives == "" && *confFile == "" && !*token {
		fmt.Fprintln(os.Stderr, "Usage: tunectl -bolt <file> [-export] [-overrides]")
		fmt.Fprintln(os.Stderr, "       tunectl -bolt <file> -check [-seed <file>] [-format 1|2] [-fix <category>]")
		fmt.Fprintln(os.Stderr, "       tunectl -archives <dir>")
		fmt.Fprintln(os.Stderr, "       tunectl -conf <file>")
		fmt.Fprintln(os.Stderr, "       tunectl -token -subject <id> -level <level> -secret <secret>")
		fmt.Fprintln(os.Stderr, "       tunectl -hash <password>")
		os.Exit(1)
	}

	if *confFile != "" {
		c, err := server.LoadConf(*confFile)
		if err == nil {
			err = c.Validate()
		}
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s: ok (state %s)\n", *confFile, c.BoltPath)
	}

	if *token {
		lvl, err := access.ParseLevel(*level)
		if err != nil {
			fail(err)
		}
		if *secret == "" {
			fail(fmt.Errorf("-secret is required; it must match the server's jwt_secret"))
		}
		tok, err := server.NewAuthService(*secret, *expiry).MintToken(*subject, lvl)
		if err != nil {
			fail(err)
		}
		fmt.Println(tok)
	}

	if *archives != "" {
		printArchives(*archives)
	}

	if *boltPath == "" {
		return
	}
	store, err := boltstore.Open(*boltPath)
	if err != nil {
		fail(fmt.Errorf("%w (is the server still running?)", err))
	}
	defer store.Close()

	reg, err := loadRegistry(store)
	if err != nil {
		store.Close()
		fail(err)
	}
	if *export {
		out, err := server.ExportSeed(reg).Marshal()
		if err != nil {
			store.Close()
			fail(err)
		}
		os.Stdout.Write(out)
		return
	}

	if *check {
		if err := runCheck(store, reg, int32(*format), *seedFile, *fix); err != nil {
			store.Close()
			fail(err)
		}
		return
	}

	printSummary(store, reg)
	if *overrides {
		fmt.Println()
		printOverrides(store)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	os.Exit(1)
}

// loadRegistry builds a registry from the world schema and loads the saved
// blob into it.
func loadRegistry(store *boltstore.Store) (*registry.Registry, error) {
	reg, err := registry.New(schema.World(), registry.Options{Bus: events.NewBus()})
	if err != nil {
		return nil, err
	}
	blob, err := store.LoadRegistry()
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return reg, nil
	}
	if err := reg.LoadVersion(blob); err != nil {
		return nil, err
	}
	return reg, nil
}

// runCheck validates the saved state and, with a fix category, applies the
// fixes and writes the result back.
func runCheck(store *boltstore.Store, reg *registry.Registry, format int32, seedFile, fix string) error {
	journal, err := store.LoadOverrides()
	if err != nil {
		return err
	}
	t := &validate.Target{Registry: reg, SaveFormat: format, Overrides: journal}
	if seedFile != "" {
		sd, err := server.LoadSeed(seedFile)
		if err != nil {
			return err
		}
		t.SeedValues, t.SeedFlags = sd.Values, sd.Flags
	}
	v := validate.New(t)
	v.Run()

	if fix != "" {
		cat, err := validate.ParseCategory(fix)
		if err != nil {
			return err
		}
		n, err := v.ApplyAll(cat)
		if err != nil {
			return err
		}
		if n > 0 {
			blob, err := reg.SaveAs(format)
			if err != nil {
				return err
			}
			if err := store.SaveRegistry(blob, format, time.Now()); err != nil {
				return err
			}
		}
		fmt.Printf("Fixed %d findings\n", n)
	}

	r := validate.GenerateReport(v)
	if err := r.WriteText(os.Stdout); err != nil {
		return err
	}
	if v.HasErrors() {
		return fmt.Errorf("%d errors", r.Errors)
	}
	return nil
}

func printSummary(store *boltstore.Store, reg *registry.Registry) {
	fmt.Println("=== STATE SUMMARY ===")
	fmt.Printf("File:           %s\n", store.Path())
	if blob, _ := store.LoadRegistry(); blob != nil {
		v, _ := registry.PeekVersion(blob)
		fmt.Printf("Blob version:   %d (%d bytes)\n", v, len(blob))
	} else {
		fmt.Println("Blob version:   none (never saved)")
	}
	if m, err := store.Meta(); err == nil && m.Saves > 0 {
		fmt.Printf("Last save:      %s (%d saves)\n", m.SavedAt.Format(time.RFC3339), m.Saves)
	}
	fmt.Printf("Tunables:       %d\n", len(reg.Tunables()))
	fmt.Printf("Flags:          %d of %d bits\n", len(reg.Flags().Defs()), reg.Flags().Width())
	fmt.Printf("Flag words:     %s\n", reg.Flags().Hex())

	fmt.Println()
	fmt.Println("=== CHANGED FROM DEFAULT ===")
	view := reg.View()
	changed := 0
	for _, t := range reg.Tunables() {
		v, _ := reg.Get(t.Name)
		if v.Equal(t.Default) {
			continue
		}
		fmt.Printf("  %-24s %s (default %s)\n", t.Name, v, t.Default)
		changed++
	}
	for _, f := range reg.Flags().Defs() {
		if on := view.IsSet(f.Name); on != f.Default {
			fmt.Printf("  %-24s %v (default %v)\n", f.Name, on, f.Default)
			changed++
		}
	}
	if changed == 0 {
		fmt.Println("  (none)")
	}
}

func printOverrides(store *boltstore.Store) {
	fmt.Println("=== JOURNALED OVERRIDES ===")
	list, err := store.LoadOverrides()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return
	}
	if len(list) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, in := range list {
		fmt.Printf("  %s  %-9s owner=%-12s expires %s\n", in.ID, in.State, in.Owner,
			in.ExpiresAt.Format(time.RFC3339))
		names := append([]string(nil), in.Names...)
		sort.Strings(names)
		for _, n := range names {
			w, ok := in.Written[n]
			if !ok {
				w = "-"
			}
			fmt.Printf("      %-22s saved %s, wrote %s\n", n, in.Saved[n], w)
		}
	}
}

func printArchives(dir string) {
	list, err := archive.List(dir)
	if err != nil {
		fail(err)
	}
	fmt.Printf("=== ARCHIVES IN %s ===\n", dir)
	if len(list) == 0 {
		fmt.Println("  (none)")
	}
	for _, in := range list {
		line := fmt.Sprintf("  %-44s %8d bytes", in.Filename, in.Size)
		if in.Manifest != nil {
			line += fmt.Sprintf("  format %d, %d tunables", in.Manifest.SaveFormat, in.Manifest.Tunables)
		}
		fmt.Println(line)
	}
}
