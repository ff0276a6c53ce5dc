// imagectl 图库维护工具：批量入库、列表、删除、检索
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"heritage-backend/internal/bootstrap"
	"heritage-backend/internal/config"
	"heritage-backend/internal/service"
	"heritage-backend/internal/util"
	"heritage-backend/internal/vectorstore"

	"github.com/rs/zerolog/log"
)

const batchSize = 64

const usage = `usage: imagectl <command> [flags]

commands:
  ingest -dir DIR [-recreate]   extract features for every image in DIR and insert new ones
  list [-limit N]               list stored images
  delete [-ids 1,2,3]           delete images by id (prompts when -ids is omitted)
  search -image PATH [-k N]     find the most similar stored images
`

type cli struct {
	store   vectorstore.Store
	ingest  *service.IngestService
	search  *service.SearchService
	gallery *service.GalleryService
	in      io.Reader
	out     io.Writer
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	config.InitLogger(cfg)

	ctx := context.Background()
	store, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open vector store")
	}

	gallery, err := bootstrap.OpenGallery(cfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open gallery storage")
	}
	extractor, err := bootstrap.NewExtractor(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create feature extractor")
	}

	c := &cli{
		store:   store,
		ingest:  service.NewIngestService(store, extractor, gallery, cfg.IngestWorkers),
		search:  service.NewSearchService(store, extractor, gallery),
		gallery: service.NewGalleryService(store, gallery),
		in:      os.Stdin,
		out:     os.Stdout,
	}
	runErr := c.run(ctx, os.Args[1], os.Args[2:])
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close vector store")
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "error:", runErr)
		os.Exit(1)
	}
}

func (c *cli) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "ingest":
		return c.runIngest(ctx, args)
	case "list":
		return c.runList(ctx, args)
	case "delete":
		return c.runDelete(ctx, args)
	case "search":
		return c.runSearch(ctx, args)
	default:
		fmt.Fprint(c.out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// ensure 集合不存在时创建，-recreate 时先删除
func (c *cli) ensure(ctx context.Context, recreate bool) error {
	if recreate {
		fmt.Fprintln(c.out, "dropping collection...")
		if err := c.store.Drop(ctx); err != nil {
			return err
		}
	}
	return c.store.Ensure(ctx)
}

// imageFiles 目录下（不递归）允许的图片，按文件名排序
func imageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && util.AllowedImage(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (c *cli) runIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(c.out)
	dir := fs.String("dir", "", "image directory")
	recreate := fs.Bool("recreate", false, "drop and recreate the collection first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return errors.New("-dir is required")
	}

	if err := c.ensure(ctx, *recreate); err != nil {
		return err
	}
	if n, err := c.store.Count(ctx); err == nil && n > 0 {
		fmt.Fprintf(c.out, "collection already holds %d images, new images will be appended\n", n)
	}

	files, err := imageFiles(*dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintf(c.out, "no images found in %s\n", *dir)
		return nil
	}
	fmt.Fprintf(c.out, "found %d images in %s, extracting features...\n", len(files), *dir)

	var total service.BatchResult
	for start := 0; start < len(files); start += batchSize {
		end := min(start+batchSize, len(files))
		batch := make([]service.Candidate, 0, end-start)
		for _, path := range files[start:end] {
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(c.out, "failed to read %s: %v\n", path, err)
				total.Failed++
				continue
			}
			batch = append(batch, service.Candidate{Filename: filepath.Base(path), Data: data})
		}

		res := c.ingest.IngestBatch(ctx, batch)
		for _, item := range res.Items {
			switch item.Status {
			case service.StatusSkipped:
				fmt.Fprintf(c.out, "skipped existing image: %s\n", item.Filename)
			case service.StatusFailed, service.StatusRejected:
				fmt.Fprintf(c.out, "failed %s: %s\n", item.Filename, item.Error)
			}
		}
		total.Inserted += res.Inserted
		total.Skipped += res.Skipped
		total.Failed += res.Failed
	}

	if total.Inserted > 0 {
		fmt.Fprintf(c.out, "inserted %d new vectors (skipped %d existing, %d failed)\n", total.Inserted, total.Skipped, total.Failed)
	} else {
		fmt.Fprintf(c.out, "no new vectors inserted, %d images already exist, %d failed\n", total.Skipped, total.Failed)
	}
	if n, err := c.store.Count(ctx); err == nil {
		fmt.Fprintf(c.out, "collection total: %d\n", n)
	}
	return nil
}

func (c *cli) runList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(c.out)
	limit := fs.Int("limit", vectorstore.MaxListLimit, "max images to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.ensure(ctx, false); err != nil {
		return err
	}

	page, err := c.gallery.List(ctx, 1, *limit)
	if err != nil {
		return err
	}
	if page.Count == 0 {
		fmt.Fprintln(c.out, "collection is empty")
		return nil
	}
	for _, img := range page.Images {
		fmt.Fprintf(c.out, "ID: %d, filename: %s\n", img.ID, img.Filename)
	}
	fmt.Fprintf(c.out, "showing %d of %d images\n", page.Count, page.Total)
	return nil
}

func (c *cli) runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(c.out)
	idsFlag := fs.String("ids", "", "comma separated image ids")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.ensure(ctx, false); err != nil {
		return err
	}

	raw := *idsFlag
	if raw == "" {
		if n, err := c.store.Count(ctx); err == nil {
			fmt.Fprintf(c.out, "collection holds %d images\n", n)
		}
		fmt.Fprintln(c.out, "enter image ids to delete (comma separated):")
		line, err := bufio.NewReader(c.in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		raw = strings.TrimSpace(line)
	}
	if raw == "" {
		fmt.Fprintln(c.out, "no ids given")
		return nil
	}

	res := c.gallery.Delete(ctx, strings.Split(raw, ","))
	fmt.Fprintf(c.out, "result: %s\n", res.Message)
	fmt.Fprintf(c.out, "records deleted: %d, files removed: %d\n", res.DeletedCount, res.FilesRemoved)
	if len(res.Errors) > 0 {
		fmt.Fprintln(c.out, "errors:")
		for _, e := range res.Errors {
			fmt.Fprintf(c.out, "  - %s\n", e)
		}
	}
	if !res.Success {
		return errors.New(res.Message)
	}
	return nil
}

func (c *cli) runSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(c.out)
	imagePath := fs.String("image", "", "query image")
	k := fs.Int("k", service.DefaultTopK, "number of results (1-50)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" {
		return errors.New("-image is required")
	}
	if !util.AllowedImage(*imagePath) {
		return fmt.Errorf("%w: %s", service.ErrNotAllowed, *imagePath)
	}
	if err := c.ensure(ctx, false); err != nil {
		return err
	}

	data, err := os.ReadFile(*imagePath)
	if err != nil {
		return err
	}
	matches, err := c.search.Search(ctx, data, filepath.Base(*imagePath), *k)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Fprintln(c.out, "no similar images found")
		return nil
	}
	for i, m := range matches {
		fmt.Fprintf(c.out, "%d. ID: %d, filename: %s, distance: %.4f, similarity: %.2f%%\n",
			i+1, m.ID, m.Filename, m.Distance, m.Similarity)
	}
	return nil
}
