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
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/lnashier/viper"
	"github.com/spf13/cast"
)

// expandStringSlice expands any environment variables in a slice of strings.
func expandStringSlice(s []string) []string {
	for i := 0; i < len(s); i++ {
		s[i] = os.ExpandEnv(s[i])
	}
	return s
}

// GetStringMapString returns a map[string]string from a viper configuration,
// accounting for the fact that it might be a json object if it was set
// from a command line argument.
func GetStringMapString(varName string, cfg *viper.Viper) map[string]string {
	i := cfg.Get(varName)
	switch i.(type) {
	case map[string]string:
		return i.(map[string]string)
	case map[string]interface{}:
		return cast.ToStringMapString(i)
	case string:
		b := bytes.NewBuffer(([]byte)(i.(string)))
		d := json.NewDecoder(b)
		o := make(map[string]string)
		if err := d.Decode(&o); err != nil {
			panic(err)
		}
		return o
	default:
		panic(fmt.Errorf("invalid type for getStringMapString variable %s: %#v", varName, i))
	}
}

// getIntSlice returns a []int from a viper configuration, accounting for
// the fact that it might be the string form of an integer-slice flag if it
// was set from a command line argument.
func getIntSlice(varName string, cfg *viper.Viper) []int {
	i := cfg.Get(varName)
	if s, ok := i.(string); ok {
		s = strings.Trim(s, "[]")
		if s == "" {
			return nil
		}
		var o []int
		for _, field := range strings.Split(s, ",") {
			o = append(o, cast.ToInt(strings.TrimSpace(field)))
		}
		return o
	}
	o, err := cast.ToIntSliceE(i)
	if err != nil {
		panic(fmt.Errorf("invalid type for integer list variable %s: %#v", varName, i))
	}
	return o
}
