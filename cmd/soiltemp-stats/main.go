// Command soiltemp-stats prints metadata and global statistics for a soil
// temperature raster.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	soiltemp "github.com/soilkit/go-soiltemp"
)

func run() error {
	tifPath := flag.String("tif", envOrDefault("SOIL_TEMP_TIF", soiltemp.SBIO1Filename), "path to the soil temperature raster")
	flag.Parse()

	if flag.NArg() != 0 {
		return errors.New("syntax: soiltemp-stats [-tif path]")
	}

	dir, filename := filepath.Split(*tifPath)
	if dir == "" {
		dir = "."
	}
	raster, err := soiltemp.NewGeoTIFFRaster(os.DirFS(dir), filename)
	if err != nil {
		return fmt.Errorf("open %s: %w", *tifPath, err)
	}
	defer raster.Close()

	width, height := raster.Size()
	transform := raster.Transform()
	minX, minY, maxX, maxY := raster.Bounds()
	fmt.Println("=== Metadata ===")
	fmt.Printf("size: %dx%d\n", width, height)
	fmt.Printf("origin: (%g, %g)\n", transform.OriginX, transform.OriginY)
	fmt.Printf("pixel size: %gx%g\n", transform.ScaleX, transform.ScaleY)
	fmt.Printf("bounds: (%g, %g) - (%g, %g)\n", minX, minY, maxX, maxY)
	fmt.Printf("epsg: %d\n", raster.EPSG())
	if nodata, ok := raster.NoData(); ok {
		fmt.Printf("nodata: %g\n", nodata)
	} else {
		fmt.Println("nodata: none")
	}

	stats, err := raster.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Println("\n=== Global stats ===")
	fmt.Printf("min (degC)  %6.2f\n", stats.Min)
	fmt.Printf("mean (degC) %6.2f\n", stats.Mean)
	fmt.Printf("max (degC)  %6.2f\n", stats.Max)
	fmt.Printf("valid pixels: %d, nodata pixels: %d\n", stats.ValidCount, stats.NoDataCount)

	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
