// Command georecipe is the library's reference CLI: it opens rasters
// through the same registry/driverpool/recipe machinery the library
// itself exposes, and offers four small, independent entry points:
// inspect, debug, export, transform.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/georecipe/georecipe/internal/cog"
	"github.com/georecipe/georecipe/internal/driver"
	"github.com/georecipe/georecipe/internal/driverpool"
	"github.com/georecipe/georecipe/internal/encode"
	"github.com/georecipe/georecipe/internal/errkind"
	"github.com/georecipe/georecipe/internal/footprint"
	"github.com/georecipe/georecipe/internal/pmtiles"
	"github.com/georecipe/georecipe/internal/raster"
	"github.com/georecipe/georecipe/internal/recipe"
	"github.com/georecipe/georecipe/internal/registry"
	"github.com/georecipe/georecipe/internal/snapshot"
	"github.com/georecipe/georecipe/internal/source"
	"github.com/georecipe/georecipe/internal/sr"
	"github.com/georecipe/georecipe/internal/workerpool"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "inspect":
		err = runInspect(args)
	case "debug":
		err = runDebug(args)
	case "export":
		err = runExport(args)
	case "transform":
		err = runTransform(args)
	case "version", "-version", "--version":
		fmt.Printf("georecipe %s (commit %s, built %s)\n", version, commit, buildDate)
		fmt.Printf("webp encoder: %s\n", encode.WebPCapability())
		return
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "georecipe %s: %v\n", cmd, err)
		if errkind.KindOf(err) == errkind.BadArgument {
			os.Exit(2) // usage error, distinct from an internal/driver failure
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: georecipe <command> [flags]

Commands:
  inspect    print a raster source's footprint, dtype, schema, and SR
  debug      low-level COG IFD/tile probing
  export     walk a raster's zoom pyramid into a PMTiles archive
  transform  re-encode an existing PMTiles archive
  version    print version and exit

Run "georecipe <command> -h" for flags specific to a command.
`)
}

func newLogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		// zap's own config construction failing means stderr logging
		// is unavailable; fall back to a no-op logger rather than panic
		// over a CLI convenience.
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

func epsgRef(epsg int) sr.Ref {
	if epsg == 0 {
		return sr.Ref{}
	}
	return sr.Ref{EPSG: epsg}
}

// --- inspect ---------------------------------------------------------

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	srForced := fs.Int("sr-forced", 0, "Treat the source as stored in this EPSG regardless of its declared SR (0 = none)")
	verbose := fs.Bool("verbose", false, "Verbose logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: georecipe inspect [flags] <raster-file>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	path := fs.Arg(0)

	logger := newLogger(*verbose)
	defer logger.Sync()

	srCfg, err := registry.DeriveSRMode(sr.Ref{}, sr.Ref{}, epsgRef(*srForced), false)
	if err != nil {
		return err
	}
	reg := registry.New(srCfg)
	defer reg.Close()

	pool, err := driverpool.New(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	key, fsrc, err := source.OpenRaster(ctx, reg, pool, "", path, driver.ReadOnly, nil)
	if err != nil {
		return err
	}
	logger.Infow("opened raster", "key", key, "path", path)

	fp := fsrc.Footprint()
	fmt.Printf("File:         %s\n", path)
	fmt.Printf("Registry key: %s\n", key)
	fmt.Printf("Shape:        %d x %d px, %d band(s)\n", fp.RX, fp.RY, fsrc.BandCount())
	fmt.Printf("DType:        %v\n", fsrc.DType())
	fmt.Printf("SR stored:    EPSG:%d\n", fsrc.SRStored().EPSG)
	fmt.Printf("SR work:      EPSG:%d\n", srCfg.WorkSR().EPSG)
	fmt.Printf("Origin:       (%.4f, %.4f)\n", fp.Origin.X, fp.Origin.Y)
	fmt.Printf("Pixel vecs:   AX=(%.6f, %.6f)  AY=(%.6f, %.6f)\n", fp.AX.X, fp.AX.Y, fp.AY.X, fp.AY.Y)
	fmt.Printf("Pixel area:   %.6f (sr units)\n", fp.PixelArea())

	sch := fsrc.Schema()
	for i := 0; i < fsrc.BandCount(); i++ {
		b, err := sch.At(i)
		if err != nil {
			continue
		}
		nodata := "none"
		if b.Nodata != nil {
			nodata = fmt.Sprintf("%v", *b.Nodata)
		}
		fmt.Printf("  band %d: nodata=%s offset=%v scale=%v\n", i, nodata, b.Offset, b.Scale)
	}
	return nil
}

// --- debug -------------------------------------------------------------

// runDebug probes a COG's raw IFD structure directly through
// internal/cog, bypassing the driver/recipe layers entirely — useful
// when a file fails to open through the normal path and the failure
// needs to be localized to tiling, compression, or geo-tag parsing.
func runDebug(args []string) error {
	fs := flag.NewFlagSet("debug", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: georecipe debug <file.tif>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	path := fs.Arg(0)

	r, err := cog.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Printf("File:      %s\n", path)
	fmt.Printf("Format:    %s\n", r.FormatDescription())
	fmt.Printf("IsFloat:   %v\n", r.IsFloat())
	fmt.Printf("EPSG:      %d\n", r.EPSG())
	fmt.Printf("NoData:    %q\n", r.NoData())
	fmt.Printf("Width:     %d, Height: %d\n", r.Width(), r.Height())
	fmt.Printf("PixelSize: %f\n", r.PixelSize())
	minX, minY, maxX, maxY := r.BoundsInCRS()
	fmt.Printf("Bounds:    [%f, %f, %f, %f]\n", minX, minY, maxX, maxY)
	fmt.Printf("IFDCount:  %d\n", r.IFDCount())

	for i := 0; i < r.IFDCount(); i++ {
		ts := r.IFDTileSize(i)
		fmt.Printf("  IFD %d: %dx%d, tile %dx%d, pixelSize=%f\n",
			i, r.IFDWidth(i), r.IFDHeight(i), ts[0], ts[1], r.IFDPixelSize(i))
	}

	info := r.DebugIFD(0)
	fmt.Printf("\nIFD 0 raw: compression=%d spp=%d bps=%v sampleFormat=%v predictor=%d\n",
		info.Compression, info.SamplesPerPixel, info.BitsPerSample, info.SampleFormat, info.Predictor)
	fmt.Printf("Tiles:     %d offsets, %d byte counts\n", len(info.TileOffsets), len(info.TileByteCounts))
	if len(info.TileOffsets) > 0 {
		fmt.Printf("First tile: offset=%d size=%d\n", info.TileOffsets[0], info.TileByteCounts[0])
		fmt.Printf("First 20 bytes: %x\n", r.RawBytes(info.TileOffsets[0], 20))
	}
	return nil
}

// --- export --------------------------------------------------------------

// runExport builds a single-primitive identity recipe over one raster
// file and walks its zoom pyramid via internal/snapshot, writing a
// PMTiles archive.
func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	minZoom := fs.Int("min-zoom", -1, "Minimum zoom level (-1 = auto)")
	maxZoom := fs.Int("max-zoom", -1, "Maximum zoom level (-1 = auto)")
	tileSize := fs.Int("tile-size", 256, "Output tile size in pixels")
	format := fs.String("format", "webp", "Tile encoding: png, jpeg, webp, terrarium")
	quality := fs.Int("quality", 85, "JPEG/WebP quality 1-100")
	bandsFlag := fs.String("bands", "", "Comma-separated 1-indexed band list (default: all)")
	concurrency := fs.Int("concurrency", runtime.NumCPU(), "Tile export concurrency")
	cacheDir := fs.String("cache-dir", "", "On-disk cache tile directory (empty = in-memory recipe)")
	srForced := fs.Int("sr-forced", 0, "Treat the source as stored in this EPSG regardless of its declared SR (0 = none)")
	verbose := fs.Bool("verbose", false, "Verbose logging")
	progress := fs.Bool("progress", true, "Show a terminal progress bar per zoom level")
	name := fs.String("name", "", "Archive metadata name")
	description := fs.String("description", "", "Archive metadata description")
	attribution := fs.String("attribution", "", "Attribution string for data sources (stored in metadata)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: georecipe export [flags] <input-raster> <output.pmtiles>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(1)
	}
	inputPath, outputPath := fs.Arg(0), fs.Arg(1)

	logger := newLogger(*verbose)
	defer logger.Sync()

	bands, err := parseBands(*bandsFlag)
	if err != nil {
		return err
	}

	srCfg, err := registry.DeriveSRMode(sr.Ref{}, sr.Ref{}, epsgRef(*srForced), false)
	if err != nil {
		return err
	}
	reg := registry.New(srCfg)
	defer reg.Close()

	pool, err := driverpool.New(4)
	if err != nil {
		return err
	}
	pools := workerpool.NewManager()
	reg.RegisterJoin(pools.JoinAll)

	ctx := context.Background()
	_, fsrc, err := source.OpenRaster(ctx, reg, pool, "src", inputPath, driver.ReadOnly, nil)
	if err != nil {
		return err
	}

	identityCompute := func(fp footprint.Footprint, primitiveFPs []footprint.Footprint, primitiveArrays []*raster.Array) (*raster.Array, error) {
		if len(primitiveArrays) != 1 {
			return nil, errkind.Newf(errkind.BadArgument, "export: recipe expects exactly one primitive, got %d", len(primitiveArrays))
		}
		return primitiveArrays[0], nil
	}

	cfg := recipe.Config{
		RasterFP:     fsrc.Footprint(),
		DType:        fsrc.DType(),
		BandCount:    fsrc.BandCount(),
		Schema:       fsrc.Schema(),
		SR:           fsrc.SRStored(),
		ComputeArray: identityCompute,
		Primitives:   map[string]recipe.Primitive{"src": fsrc},
		CacheTileRX:  512,
		CacheTileRY:  512,
		CacheDir:     *cacheDir,
	}

	var rec *recipe.Recipe
	if *cacheDir != "" {
		rec, err = recipe.NewCached(cfg, pools)
	} else {
		rec, err = recipe.NewInMemory(cfg, pools)
	}
	if err != nil {
		return err
	}
	reg.RegisterDrain(rec.Close)

	bounds := wgs84Bounds(fsrc.Footprint(), fsrc.SRStored())

	lo, hi := *minZoom, *maxZoom
	if lo < 0 || hi < 0 {
		pixelSizeMeters := math.Hypot(fsrc.Footprint().AX.X, fsrc.Footprint().AX.Y)
		autoMin, autoMax := snapshot.ZoomRangeForResolution(pixelSizeMeters, bounds.CenterLat(), *tileSize)
		if lo < 0 {
			lo = autoMin
		}
		if hi < 0 {
			hi = autoMax
		}
	}

	logger.Infow("exporting", "input", inputPath, "output", outputPath,
		"minZoom", lo, "maxZoom", hi, "format", *format, "bounds", bounds)

	var progressFn func(label string, total int64) snapshot.ProgressReporter
	if *progress {
		progressFn = func(label string, total int64) snapshot.ProgressReporter {
			return snapshot.NewBar(label, total)
		}
	}

	start := time.Now()
	stats, err := snapshot.Export(ctx, snapshot.Options{
		OutputPath:  outputPath,
		Recipe:      rec,
		Bands:       bands,
		DstNoData:   math.NaN(),
		MinZoom:     lo,
		MaxZoom:     hi,
		TileSize:    *tileSize,
		Format:      *format,
		Quality:     *quality,
		Bounds:      bounds,
		Pools:       pools,
		PoolName:    "export",
		Concurrency: *concurrency,
		Name:        *name,
		Description: *description,
		Attribution: *attribution,
		Progress:    progressFn,
	})
	if err != nil {
		return err
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	fi, _ := os.Stat(outputPath)
	var size int64
	if fi != nil {
		size = fi.Size()
	}
	fmt.Printf("Done: %d tiles written (%d deduped), %d skipped (empty), %s, %v -> %s\n",
		stats.TilesWritten, stats.TilesDeduped, stats.TilesSkipped, humanSize(size), elapsed, outputPath)
	return nil
}

func parseBands(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	bands := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil {
			return nil, errkind.Newf(errkind.BadArgument, "invalid band index %q", p)
		}
		bands = append(bands, n-1)
	}
	return bands, nil
}

// wgs84Bounds projects a footprint's four corners from srRef (WGS84 if
// the zero Ref) into lon/lat and returns their enclosing box.
func wgs84Bounds(fp footprint.Footprint, srRef sr.Ref) pmtiles.Bounds {
	epsg := srRef.EPSG
	if epsg == 0 {
		epsg = 4326
	}
	proj := sr.ForEPSG(epsg)

	corners := [4]footprint.Vec2{
		fp.PixelToWorld(0, 0),
		fp.PixelToWorld(float64(fp.RX), 0),
		fp.PixelToWorld(0, float64(fp.RY)),
		fp.PixelToWorld(float64(fp.RX), float64(fp.RY)),
	}
	b := pmtiles.Bounds{MinLon: math.Inf(1), MinLat: math.Inf(1), MaxLon: math.Inf(-1), MaxLat: math.Inf(-1)}
	for _, c := range corners {
		lon, lat := proj.ToWGS84(c.X, c.Y)
		b.MinLon = math.Min(b.MinLon, lon)
		b.MaxLon = math.Max(b.MaxLon, lon)
		b.MinLat = math.Min(b.MinLat, lat)
		b.MaxLat = math.Max(b.MaxLat, lat)
	}
	return b
}

// --- transform -----------------------------------------------------------

// runTransform re-encodes every tile of an existing archive into a new
// one, optionally narrowing the zoom range. It intentionally omits
// rebuild/resampling/fill-color modes that would need a full pyramid
// regeneration; that case is left to "export" run against the
// original recipe instead.
func runTransform(args []string) error {
	fs := flag.NewFlagSet("transform", flag.ExitOnError)
	format := fs.String("format", "", "Target tile encoding: png, jpeg, webp (default: keep source)")
	quality := fs.Int("quality", 85, "JPEG/WebP quality 1-100")
	minZoom := fs.Int("min-zoom", -1, "Minimum zoom level (default: keep source)")
	maxZoom := fs.Int("max-zoom", -1, "Maximum zoom level (default: keep source)")
	concurrency := fs.Int("concurrency", runtime.NumCPU(), "Parallel re-encode workers")
	verbose := fs.Bool("verbose", false, "Verbose logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: georecipe transform [flags] <input.pmtiles> <output.pmtiles>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(1)
	}
	inputPath, outputPath := fs.Arg(0), fs.Arg(1)

	logger := newLogger(*verbose)
	defer logger.Sync()

	reader, err := pmtiles.OpenReader(inputPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	srcHeader := reader.Header()
	srcFormat := pmtiles.TileTypeString(srcHeader.TileType)

	targetFormat := *format
	if targetFormat == "" {
		targetFormat = srcFormat
	}
	lo, hi := *minZoom, *maxZoom
	if lo < 0 {
		lo = int(srcHeader.MinZoom)
	}
	if hi < 0 {
		hi = int(srcHeader.MaxZoom)
	}
	if lo < int(srcHeader.MinZoom) || hi > int(srcHeader.MaxZoom) {
		return errkind.Newf(errkind.BadArgument, "transform cannot widen the zoom range (source: %d-%d, requested: %d-%d); use export to rebuild instead",
			srcHeader.MinZoom, srcHeader.MaxZoom, lo, hi)
	}

	enc, err := encode.NewEncoder(targetFormat, *quality)
	if err != nil {
		return err
	}

	writer, err := pmtiles.NewWriter(outputPath, pmtiles.WriterOptions{
		MinZoom:    lo,
		MaxZoom:    hi,
		Bounds:     pmtiles.Bounds{MinLon: float64(srcHeader.MinLon), MinLat: float64(srcHeader.MinLat), MaxLon: float64(srcHeader.MaxLon), MaxLat: float64(srcHeader.MaxLat)},
		TileFormat: enc.PMTileType(),
	})
	if err != nil {
		return err
	}
	aborted := true
	defer func() {
		if aborted {
			writer.Abort()
		}
	}()

	logger.Infow("transforming", "input", inputPath, "output", outputPath,
		"srcFormat", srcFormat, "dstFormat", targetFormat, "minZoom", lo, "maxZoom", hi)

	pool, err := workerpool.New("transform", *concurrency)
	if err != nil {
		return err
	}

	start := time.Now()
	var written, skipped int
	for z := hi; z >= lo; z-- {
		tiles := reader.TilesAtZoom(z)
		results := make([]<-chan workerpool.Result, len(tiles))
		for i, t := range tiles {
			t := t
			ch, err := pool.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
				return transformOne(reader, enc, srcFormat, targetFormat, t[0], t[1], t[2])
			})
			if err != nil {
				return err
			}
			results[i] = ch
		}
		for i, ch := range results {
			r := <-ch
			if r.Err != nil {
				return r.Err
			}
			data, _ := r.Value.([]byte)
			t := tiles[i]
			if data == nil {
				skipped++
				continue
			}
			if err := writer.WriteTile(t[0], t[1], t[2], data); err != nil {
				return err
			}
			written++
		}
	}
	if err := pool.Join(); err != nil {
		return err
	}

	if err := writer.Finalize(); err != nil {
		return err
	}
	aborted = false

	elapsed := time.Since(start).Round(time.Millisecond)
	fi, _ := os.Stat(outputPath)
	var size int64
	if fi != nil {
		size = fi.Size()
	}
	fmt.Printf("Done: %d tiles re-encoded, %d skipped (empty), %s, %v -> %s\n", written, skipped, humanSize(size), elapsed, outputPath)
	return nil
}

func transformOne(reader *pmtiles.Reader, enc encode.Encoder, srcFormat, dstFormat string, z, x, y int) ([]byte, error) {
	data, err := reader.ReadTile(z, x, y)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	if dstFormat == srcFormat {
		return data, nil
	}
	img, err := encode.DecodeImage(data, srcFormat)
	if err != nil {
		return nil, err
	}
	return enc.Encode(img)
}

func humanSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
