// Command soiltemp prints the soil temperature at an address or coordinate as
// JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	soiltemp "github.com/soilkit/go-soiltemp"
	"github.com/soilkit/go-soiltemp/nominatim"
)

type result struct {
	Address   string   `json:"address"`
	SoilTempC *float64 `json:"soil_temp_c"`
}

func run() error {
	tifPath := flag.String("tif", envOrDefault("SOIL_TEMP_TIF", soiltemp.SBIO1Filename), "path to the soil temperature raster")
	flag.Parse()

	if flag.NArg() != 1 {
		return errors.New("syntax: soiltemp address|lat,lon")
	}
	query := flag.Arg(0)

	dir, filename := filepath.Split(*tifPath)
	if dir == "" {
		dir = "."
	}
	raster, err := soiltemp.NewGeoTIFFRaster(os.DirFS(dir), filename)
	if err != nil {
		return fmt.Errorf("open %s: %w", *tifPath, err)
	}
	defer raster.Close()

	geocoder, err := nominatim.NewCachedGeocoder(nominatim.NewClient(), nominatim.DefaultCacheSize)
	if err != nil {
		return err
	}
	service, err := soiltemp.NewService(raster, soiltemp.WithGeocoder(geocoder))
	if err != nil {
		return err
	}

	ctx := context.Background()
	var temperature float64
	if coord, ok := parseLatLon(query); ok {
		temperature, err = service.TemperatureAt(ctx, coord)
	} else {
		temperature, err = service.TemperatureAtAddress(ctx, query)
	}
	if err != nil {
		return err
	}

	out := result{Address: query}
	if !math.IsNaN(temperature) {
		out.SoilTempC = &temperature
	}
	return json.NewEncoder(os.Stdout).Encode(out)
}

// parseLatLon parses a "lat,lon" query, so coordinates can be looked up
// without a geocoder.
func parseLatLon(s string) (soiltemp.LatLon, bool) {
	before, after, found := strings.Cut(s, ",")
	if !found {
		return soiltemp.LatLon{}, false
	}
	lat, latErr := strconv.ParseFloat(strings.TrimSpace(before), 64)
	lon, lonErr := strconv.ParseFloat(strings.TrimSpace(after), 64)
	if latErr != nil || lonErr != nil {
		return soiltemp.LatLon{}, false
	}
	return soiltemp.LatLon{Lat: lat, Lon: lon}, true
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
