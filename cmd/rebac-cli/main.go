package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/rebac"
	"github.com/oarkflow/rebac/logger"
	"github.com/oarkflow/rebac/stores"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"
)

func main() {
	dbPath := "rebac.db"
	args := make([]string, 0, len(os.Args)-1)
	for i := 1; i < len(os.Args); i++ {
		if os.Args[i] == "-db" && i+1 < len(os.Args) {
			dbPath = os.Args[i+1]
			i++
			continue
		}
		args = append(args, os.Args[i])
	}

	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cmd := args[0]
	args = args[1:]
	switch cmd {
	case "check":
		handleCheck(dbPath, args, false)
	case "explain":
		handleCheck(dbPath, args, true)
	case "create":
		handleWrite(dbPath, args, true)
	case "delete":
		handleWrite(dbPath, args, false)
	case "expand":
		handleExpand(dbPath, args)
	case "list-tuples":
		handleListTuples(dbPath, args)
	case "validate":
		handleValidate(args)
	case "convert":
		handleConvert(args)
	case "stats":
		handleStats(args)
	case "apply":
		handleApply(dbPath, args)
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("rebac-cli - relationship-based access control tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rebac-cli check <tenant> <subject> <relation> <object>    - Evaluate an access check")
	fmt.Println("  rebac-cli explain <tenant> <subject> <relation> <object>  - Check with the decision trace")
	fmt.Println("  rebac-cli create <tenant> <subject> <relation> <object>   - Write a relation tuple")
	fmt.Println("  rebac-cli delete <tenant> <subject> <relation> <object>   - Delete a relation tuple")
	fmt.Println("  rebac-cli expand <tenant> <relation> <object>             - Show the contribution tree")
	fmt.Println("  rebac-cli list-tuples <tenant> [object:<t:id>] [relation:<r>] [subject:<t:id>]")
	fmt.Println("  rebac-cli validate <file>                                 - Validate configuration")
	fmt.Println("  rebac-cli convert <input> <output>                        - Convert between formats")
	fmt.Println("  rebac-cli stats <file>                                    - Show configuration statistics")
	fmt.Println("  rebac-cli apply <file>                                    - Apply configuration to the store")
	fmt.Println()
	fmt.Println("  -db <path>  sqlite database file (default rebac.db, :memory: for throwaway)")
	fmt.Println()
	fmt.Println("Supported formats: .rbac, .dsl, .yaml, .yml, .json, .bin")
}

func openEngine(dbPath string) (*rebac.Engine, func()) {
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	db := squealx.NewDb(sqlDB, "sqlite", "rebac")
	if err := stores.Migrate(db); err != nil {
		fmt.Printf("Error migrating database: %v\n", err)
		os.Exit(1)
	}
	audit, err := stores.NewSQLAuditStore(db)
	if err != nil {
		fmt.Printf("Error opening audit store: %v\n", err)
		os.Exit(1)
	}
	engine, err := rebac.NewEngine(
		stores.NewSQLTupleStore(db),
		stores.NewSQLCounterStore(db),
		rebac.WithAuditStore(audit),
		rebac.WithLogger(logger.NewNullLogger()),
	)
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	return engine, func() {
		engine.Close()
		sqlDB.Close()
	}
}

func parseAccess(args []string) (string, rebac.SubjectRef, string, rebac.ObjectRef) {
	if len(args) < 4 {
		fmt.Println("Usage: rebac-cli <verb> <tenant> <subject> <relation> <object>")
		os.Exit(1)
	}
	subject, err := rebac.ParseSubjectRef(args[1])
	if err != nil {
		fmt.Printf("Bad subject: %v\n", err)
		os.Exit(1)
	}
	object, err := rebac.ParseObjectRef(args[3])
	if err != nil {
		fmt.Printf("Bad object: %v\n", err)
		os.Exit(1)
	}
	return args[0], subject, args[2], object
}

func handleCheck(dbPath string, args []string, trace bool) {
	tenant, subject, relation, object := parseAccess(args)
	engine, cleanup := openEngine(dbPath)
	defer cleanup()

	req := &rebac.CheckRequest{
		TenantID:    tenant,
		Subject:     subject,
		Relation:    relation,
		Object:      object,
		Consistency: rebac.ConsistencyStrong,
	}
	var res *rebac.CheckResult
	var err error
	if trace {
		res, err = engine.Explain(context.Background(), req)
	} else {
		res, err = engine.Check(context.Background(), req)
	}
	if err != nil {
		fmt.Printf("Check failed: %v\n", err)
		os.Exit(1)
	}
	verdict := "DENIED"
	if res.Allowed {
		verdict = "ALLOWED"
	}
	fmt.Printf("%s  %s %s %s (token %d, %v)\n", verdict, subject.Key(), relation, object.Key(), res.Token, res.EvalTime)
	for _, line := range res.Trace {
		fmt.Printf("  %s\n", line)
	}
	if !res.Allowed {
		os.Exit(2)
	}
}

func handleWrite(dbPath string, args []string, create bool) {
	tenant, subject, relation, object := parseAccess(args)
	engine, cleanup := openEngine(dbPath)
	defer cleanup()

	t := &rebac.Tuple{TenantID: tenant, Subject: subject, Relation: relation, Object: object}
	ctx := context.Background()
	if create {
		res, err := engine.Write(ctx, t)
		if err != nil {
			fmt.Printf("Write failed: %v\n", err)
			os.Exit(1)
		}
		if res.Created {
			fmt.Printf("Created %s (token %d)\n", t, res.Token)
		} else {
			fmt.Printf("Already present %s (token %d)\n", t, res.Token)
		}
		return
	}
	res, err := engine.Delete(ctx, t)
	if err != nil {
		fmt.Printf("Delete failed: %v\n", err)
		os.Exit(1)
	}
	if res.Existed {
		fmt.Printf("Deleted %s (token %d)\n", t, res.Token)
	} else {
		fmt.Printf("Not present %s (token %d)\n", t, res.Token)
	}
}

func handleExpand(dbPath string, args []string) {
	if len(args) < 3 {
		fmt.Println("Usage: rebac-cli expand <tenant> <relation> <object>")
		os.Exit(1)
	}
	object, err := rebac.ParseObjectRef(args[2])
	if err != nil {
		fmt.Printf("Bad object: %v\n", err)
		os.Exit(1)
	}
	engine, cleanup := openEngine(dbPath)
	defer cleanup()

	tree, err := engine.Expand(context.Background(), args[0], args[1], object)
	if err != nil {
		fmt.Printf("Expand failed: %v\n", err)
		os.Exit(1)
	}
	printContribution(tree, 0)
}

func printContribution(n *rebac.ContributionNode, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s%s %s@%s", indent, n.Kind, n.Relation, n.Object.Key())
	if len(n.Subjects) > 0 {
		keys := make([]string, len(n.Subjects))
		for i, s := range n.Subjects {
			keys[i] = s.Key()
		}
		fmt.Printf("  [%s]", strings.Join(keys, " "))
	}
	fmt.Println()
	for _, child := range n.Children {
		printContribution(child, depth+1)
	}
}

func handleListTuples(dbPath string, args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: rebac-cli list-tuples <tenant> [object:<t:id>] [relation:<r>] [subject:<t:id>]")
		os.Exit(1)
	}
	filter := rebac.TupleFilter{}
	for _, opt := range args[1:] {
		switch {
		case strings.HasPrefix(opt, "object:"):
			ref := opt[7:]
			typ, id, ok := strings.Cut(ref, ":")
			if !ok {
				fmt.Printf("Bad object filter %q, want type:id\n", ref)
				os.Exit(1)
			}
			filter.ObjectType, filter.ObjectID = typ, id
		case strings.HasPrefix(opt, "relation:"):
			filter.Relation = opt[9:]
		case strings.HasPrefix(opt, "subject:"):
			ref := opt[8:]
			typ, id, ok := strings.Cut(ref, ":")
			if !ok {
				fmt.Printf("Bad subject filter %q, want type:id\n", ref)
				os.Exit(1)
			}
			filter.SubjectType, filter.SubjectID = typ, id
		default:
			fmt.Printf("Unknown filter: %s\n", opt)
			os.Exit(1)
		}
	}
	engine, cleanup := openEngine(dbPath)
	defer cleanup()

	tuples, err := engine.ListTuples(context.Background(), args[0], filter)
	if err != nil {
		fmt.Printf("List failed: %v\n", err)
		os.Exit(1)
	}
	for _, t := range tuples {
		line := t.String()
		if !t.ExpiresAt.IsZero() {
			line += "  expires:" + t.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		fmt.Println(line)
	}
	fmt.Printf("%d tuples\n", len(tuples))
}

func handleValidate(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: rebac-cli validate <file>")
		os.Exit(1)
	}

	cfg, err := loadConfig(args[0])
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.Namespaces) > 0 {
		if _, err := cfg.NamespaceSet(); err != nil {
			fmt.Printf("Invalid namespaces: %v\n", err)
			os.Exit(1)
		}
	}
	if _, err := cfg.ResolveTuples(); err != nil {
		fmt.Printf("Invalid tuples: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Tenants: %d\n", len(cfg.Tenants))
	fmt.Printf("  Namespaces: %d\n", len(cfg.Namespaces))
	fmt.Printf("  Tuples: %d\n", len(cfg.Tuples))
}

func handleConvert(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: rebac-cli convert <input> <output>")
		os.Exit(1)
	}

	inputFile := args[0]
	outputFile := args[1]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)

	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil {
		reduction := (1 - float64(outStat.Size())/float64(inStat.Size())) * 100
		if reduction > 0 {
			fmt.Printf("Size reduced by %.1f%% (%d -> %d bytes)\n",
				reduction, inStat.Size(), outStat.Size())
		} else {
			fmt.Printf("Size increased by %.1f%% (%d -> %d bytes)\n",
				-reduction, inStat.Size(), outStat.Size())
		}
	}
}

func handleStats(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: rebac-cli stats <file>")
		os.Exit(1)
	}

	filename := args[0]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Tenants:    %d\n", len(cfg.Tenants))
	fmt.Printf("  Namespaces: %d\n", len(cfg.Namespaces))
	fmt.Printf("  Tuples:     %d\n", len(cfg.Tuples))
	fmt.Println()

	if len(cfg.Namespaces) > 0 {
		fmt.Println("Namespace Details:")
		for _, ns := range cfg.Namespaces {
			flags := ""
			if ns.Hierarchical {
				flags += " hierarchical"
			}
			if ns.MemberRelation != "" {
				flags += " member:" + ns.MemberRelation
			}
			fmt.Printf("  %-12s %d relations%s\n", ns.Type, len(ns.Relations), flags)
		}
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Check timeout:      %dms\n", cfg.Engine.CheckTimeout)
	fmt.Printf("  Max depth:          %d\n", cfg.Engine.MaxDepth)
	fmt.Printf("  Max nodes:          %d\n", cfg.Engine.MaxNodes)
	fmt.Printf("  Cache entries:      %d\n", cfg.Engine.CacheMaxEntries)
	fmt.Printf("  Cache TTL:          %dms\n", cfg.Engine.CacheTTL)
	fmt.Printf("  Provisional TTL:    %dms\n", cfg.Engine.ProvisionalTTL)
	fmt.Printf("  Group climb limit:  %d\n", cfg.Engine.GroupClimbLimit)
	fmt.Printf("  Rebuild interval:   %dms\n", cfg.Engine.RebuildInterval)
	fmt.Printf("  Sweep interval:     %dms\n", cfg.Engine.SweepInterval)
}

func handleApply(dbPath string, args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: rebac-cli apply <file>")
		os.Exit(1)
	}

	cfg, err := loadConfig(args[0])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	engine, cleanup := openEngine(dbPath)
	defer cleanup()

	if err := engine.ApplyConfig(context.Background(), cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Namespaces loaded: %d\n", len(cfg.Namespaces))
	fmt.Printf("  Tuples loaded: %d\n", len(cfg.Tuples))
}

func loadConfig(filename string) (*rebac.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	loader := rebac.NewConfigLoader()

	switch ext {
	case ".rbac", ".dsl":
		return loader.LoadDSL(data)
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	case ".bin":
		return loader.LoadBinary(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *rebac.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".rbac", ".dsl":
		data, err = cfg.ToDSL()
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".bin":
		data, err = rebac.EncodeBinaryConfig(cfg)
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
