package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/apex/log"
	"github.com/schollz/progressbar/v3"

	"github.com/chriskillpack/imganalyzer"
	"github.com/chriskillpack/imganalyzer/vault"
)

// A scan gives up after this many failed images.
const errorBudget = 5

// findImages lists every image in the vault.
func findImages(d *vault.Dir) ([]imganalyzer.ImagePath, error) {
	var images []imganalyzer.ImagePath
	err := d.Walk(func(rel string, fi fs.FileInfo) error {
		images = append(images, imganalyzer.ImagePath{Path: rel, Modtime: fi.ModTime()})
		return nil
	})
	return images, err
}

// describeImage analyzes one journal entry. Images answered from the cache
// are recorded as described since the analyzer only journals model calls.
func describeImage(ctx context.Context, p *imganalyzer.Plugin, db *imganalyzer.DB, img *imganalyzer.Image) error {
	// Read drops empty or corrupt entries, which then go to the model
	_, cached := p.Cache.Read(img.Path)
	text, err := p.Analyze(ctx, img.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Deleted since the walk
			log.WithField("path", img.Path).Info("file gone, skipping")
			return db.RemoveImage(ctx, img.Path)
		}
		return err
	}
	if cached {
		return db.RecordSuccess(ctx, img.Path, text, "cache", "", time.Now())
	}
	return nil
}

func runScan(ctx context.Context, p *imganalyzer.Plugin, d *vault.Dir, db *imganalyzer.DB) error {
	found, err := findImages(d)
	if err != nil {
		return err
	}
	log.Infof("Found %d images in the vault", len(found))

	const batchSize = 100
	added, err := db.InsertImagePaths(ctx, found, batchSize)
	if err != nil {
		return err
	}
	log.Infof("Added %d new images", added)

	images, err := db.ImagesToDescribe(ctx, *maxAttempts)
	if err != nil {
		return err
	}
	if *count > -1 {
		images = images[:min(len(images), *count)]
	}

	prov := p.Provider()
	log.WithFields(log.Fields{
		"provider": prov.ID(),
		"model":    prov.LastImageModel().Model,
	}).Infof("%d images to describe", len(images))
	if len(images) == 0 {
		return nil
	}

	bar := progressbar.NewOptions(
		len(images),
		progressbar.OptionSetDescription("Describing"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)

	var (
		errcnt  int
		lastErr error
	)
	for i := 0; i < len(images) && !lameduck.Load(); i++ {
		if errcnt >= errorBudget {
			bar.Exit()
			return fmt.Errorf("too many errors, last: %w", lastErr)
		}
		if ctx.Err() != nil {
			break
		}

		img := images[i]
		if err := describeImage(ctx, p, db, img); err != nil {
			if ctx.Err() != nil {
				break
			}
			errcnt++
			lastErr = err
			log.WithError(err).WithField("path", img.Path).Warn("describe failed")
		}
		bar.Add(1)
	}
	bar.Finish()

	total, described, err := db.CountImages(ctx)
	if err != nil {
		return err
	}
	log.Infof("%d of %d images described", described, total)
	return nil
}
