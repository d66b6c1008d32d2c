package od

import (
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/ini.v1"
)

// matchSubIndex recognizes "<index>sub<subindex>" section names, the same
// EDS-ini convention samsamfire/gocanopen's parser.go uses for sub-entries.
// A section named by bare "<index>" is treated as subindex 0.
var matchSubIndex = regexp.MustCompile(`^([0-9A-Fa-f]{4})sub([0-9A-Fa-f]+)$`)
var matchIndex = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)

// LoadINI bulk-provisions manufacturer-specific entries from an ini-flavored
// table file, trimmed to the keys this node's dictionary needs: Access and
// Size. Unlike a full EDS file, no DataType/PDOMapping keys are read -
// those belong to the broader CiA-301 dialect this node does not speak.
// Storage for each loaded entry is allocated here, since bulk provisioning
// has no external owner the way the two mandatory defaults do.
func LoadINI(dict *ObjectDictionary, path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("od: loading ini table %s: %w", path, err)
	}
	for _, section := range file.Sections() {
		name := section.Name()
		var indexHex string
		var sub uint8
		if m := matchSubIndex.FindStringSubmatch(name); m != nil {
			indexHex = m[1]
			subVal, err := strconv.ParseUint(m[2], 16, 8)
			if err != nil {
				return fmt.Errorf("od: ini section %q: bad subindex: %w", name, err)
			}
			sub = uint8(subVal)
		} else if matchIndex.MatchString(name) {
			indexHex = name
			sub = 0
		} else {
			continue
		}
		indexVal, err := strconv.ParseUint(indexHex, 16, 16)
		if err != nil {
			return fmt.Errorf("od: ini section %q: bad index: %w", name, err)
		}
		index := uint16(indexVal)

		if !section.HasKey("Access") || !section.HasKey("Size") {
			continue
		}
		accessStr := section.Key("Access").String()
		access, err := parseAccess(accessStr)
		if err != nil {
			return fmt.Errorf("od: ini section %q: %w", name, err)
		}
		size, err := section.Key("Size").Uint()
		if err != nil {
			return fmt.Errorf("od: ini section %q: bad Size: %w", name, err)
		}
		label := section.Key("ParameterName").String()
		storage := make([]byte, size)
		if _, err := dict.Register(index, sub, label, access, uint8(size), storage); err != nil {
			return fmt.Errorf("od: ini section %q: %w", name, err)
		}
	}
	return nil
}

func parseAccess(s string) (Access, error) {
	switch s {
	case "RO", "ro":
		return RO, nil
	case "WO", "wo":
		return WO, nil
	case "RW", "rw":
		return RW, nil
	default:
		return 0, fmt.Errorf("unknown Access value %q", s)
	}
}
