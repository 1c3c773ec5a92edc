package datasets

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// ErrPairNotFound is returned when no directory holds a recognizable
// left/right pair.
var ErrPairNotFound = errors.New("no stereo pair found")

// Pair locates the two views of a stereo pair and, when the dataset ships
// one, its ground-truth disparity image.
type Pair struct {
	Left        string `json:"left"`
	Right       string `json:"right"`
	GroundTruth string `json:"groundTruth,omitempty"`
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// namedPairs are the fixed file stems used by common benchmarks, in
// priority order: Middlebury 2014, Middlebury 2005/2006, generic.
var namedPairs = [][2]string{
	{"im0", "im1"},
	{"view1", "view5"},
	{"left", "right"},
}

// suffixPairs are matched against the end of a stem sharing a prefix, for
// names like scene_l.png/scene_r.png or tsukubaL.png/tsukubaR.png.
var suffixPairs = [][2]string{
	{"_left", "_right"},
	{"_l", "_r"},
	{"-l", "-r"},
}

var groundTruthStems = []string{"disp0", "disp1", "disp2", "disp", "groundtruth", "truedisp"}

type dirImages struct {
	// exact stem -> path, and lowercased stem -> path
	exact map[string]string
	lower map[string]string
}

// FindPair searches root and its subdirectories, shallowest first, for a
// stereo pair.
func FindPair(root string) (Pair, error) {
	dirs := map[string]*dirImages{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !imageExts[ext] {
			return nil
		}
		dir := filepath.Dir(path)
		imgs := dirs[dir]
		if imgs == nil {
			imgs = &dirImages{exact: map[string]string{}, lower: map[string]string{}}
			dirs[dir] = imgs
		}
		stem := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		imgs.exact[stem] = path
		imgs.lower[strings.ToLower(stem)] = path
		return nil
	})
	if err != nil {
		return Pair{}, fmt.Errorf("scan %s: %w", root, err)
	}

	order := make([]string, 0, len(dirs))
	for dir := range dirs {
		order = append(order, dir)
	}
	sort.Slice(order, func(i, j int) bool {
		di, dj := strings.Count(order[i], string(filepath.Separator)), strings.Count(order[j], string(filepath.Separator))
		if di != dj {
			return di < dj
		}
		return order[i] < order[j]
	})

	for _, dir := range order {
		if p, ok := dirs[dir].pair(); ok {
			return p, nil
		}
	}
	return Pair{}, fmt.Errorf("%w under %s", ErrPairNotFound, root)
}

func (d *dirImages) pair() (Pair, bool) {
	p, ok := d.match()
	if !ok {
		return Pair{}, false
	}
	for _, stem := range groundTruthStems {
		if gt, ok := d.lower[stem]; ok {
			p.GroundTruth = gt
			break
		}
	}
	return p, true
}

func (d *dirImages) match() (Pair, bool) {
	for _, names := range namedPairs {
		l, lok := d.lower[names[0]]
		r, rok := d.lower[names[1]]
		if lok && rok {
			return Pair{Left: l, Right: r}, true
		}
	}

	stems := make([]string, 0, len(d.lower))
	for stem := range d.lower {
		stems = append(stems, stem)
	}
	sort.Strings(stems)
	for _, suffix := range suffixPairs {
		for _, stem := range stems {
			prefix, ok := strings.CutSuffix(stem, suffix[0])
			if !ok || prefix == "" {
				continue
			}
			if r, ok := d.lower[prefix+suffix[1]]; ok {
				return Pair{Left: d.lower[stem], Right: r}, true
			}
		}
	}

	// Bare trailing L/R is only trusted in upper case.
	exact := make([]string, 0, len(d.exact))
	for stem := range d.exact {
		exact = append(exact, stem)
	}
	sort.Strings(exact)
	for _, stem := range exact {
		prefix, ok := strings.CutSuffix(stem, "L")
		if !ok || prefix == "" {
			continue
		}
		if r, ok := d.exact[prefix+"R"]; ok {
			return Pair{Left: d.exact[stem], Right: r}, true
		}
	}
	return Pair{}, false
}
