/*
Copyright © 2026 the RefIdx authors.
This file is part of RefIdx.

RefIdx is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

RefIdx is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with RefIdx.  If not, see <http://www.gnu.org/licenses/>.
*/

package refidxutil

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/refidx/combine"
	"github.com/spatialmodel/refidx/remote"
)

// CombineFiles merges the reference indexes in the given files into a
// single index. coordRules maps concatenation dimension names to
// coordinate derivation rules in the form 'attr:NAME', 'var:NAME', or
// 'filename:REGEXP|TIMELAYOUT'.
func CombineFiles(files []string, concatDims, identicalDims, identicalVars []string, coordRules map[string]string, output string) error {
	ctx := context.Background()
	files = expandStringSlice(files)
	client := remote.NewClient()

	inputs := make([]combine.Input, len(files))
	for i, file := range files {
		ix, err := loadIndex(ctx, client, file)
		if err != nil {
			return err
		}
		inputs[i] = combine.Input{URI: file, Index: ix}
	}

	coords, err := parseCoordRules(coordRules)
	if err != nil {
		return err
	}
	merged, warnings, err := combine.Combine(inputs, &combine.Spec{
		ConcatDims:    concatDims,
		IdenticalDims: identicalDims,
		IdenticalVars: identicalVars,
		Coords:        coords,
	})
	if err != nil {
		return err
	}
	for _, w := range warnings {
		logrus.WithFields(logrus.Fields{"warning": w}).Warn("combining indexes")
	}

	if output == "" {
		return merged.Write(os.Stdout)
	}
	return putIndex(ctx, client, merged, output)
}

// parseCoordRules converts rule strings from the command line into
// coordinate derivation rules.
func parseCoordRules(rules map[string]string) (combine.CoordinateMap, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	coords := make(combine.CoordinateMap)
	for dim, rule := range rules {
		sep := strings.Index(rule, ":")
		if sep < 0 {
			return nil, fmt.Errorf("refidx: invalid coordinate rule %q for dimension %s; "+
				"rules have the form 'attr:NAME', 'var:NAME', or 'filename:REGEXP|TIMELAYOUT'", rule, dim)
		}
		kind, arg := rule[:sep], rule[sep+1:]
		switch kind {
		case "attr":
			coords[dim] = combine.FromAttr(arg)
		case "var":
			coords[dim] = combine.FromVar(arg)
		case "filename":
			// The time layout cannot contain '|', so split on the last
			// one to leave alternations in the expression intact.
			expr, layout := arg, ""
			if bar := strings.LastIndex(arg, "|"); bar >= 0 {
				expr, layout = arg[:bar], arg[bar+1:]
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("refidx: invalid coordinate rule for dimension %s: %v", dim, err)
			}
			coords[dim] = combine.FromFilename(re, layout)
		default:
			return nil, fmt.Errorf("refidx: unknown coordinate rule type %q for dimension %s", kind, dim)
		}
	}
	return coords, nil
}
