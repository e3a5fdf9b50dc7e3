package geocode

// Unknown is the placeholder code emitted when a coordinate has not been
// resolved yet or resolves to a place the tables do not cover.
const Unknown = "unknown"

// countryNameToISO maps resolver country names to ISO 3166-1 alpha-2 codes
// (lowercase). Extended whenever a new country shows up in the resolver logs.
var countryNameToISO = map[string]string{
	"New Zealand":    "nz",
	"Australia":      "au",
	"United States":  "us",
	"United Kingdom": "gb",
	"Canada":         "ca",
	"Germany":        "de",
	"France":         "fr",
	"Netherlands":    "nl",
	"Japan":          "jp",
	"China":          "cn",
	"Brazil":         "br",
	"Mexico":         "mx",
	"South Africa":   "za",
	"India":          "in",
	"Russia":         "ru",
	"Singapore":      "sg",
	"Malaysia":       "my",
	"Taiwan":         "tw",
	"Poland":         "pl",
	"Czech Republic": "cz",
	"Czechia":        "cz",
	"Ukraine":        "ua",
	"Argentina":      "ar",
	"Belarus":        "by",
}

type subdivisionKey struct {
	country string
	name    string
}

// subdivisionNameToISO maps (country code, admin-1 name) pairs to ISO 3166-2
// subdivision codes, lowercase without the country prefix.
var subdivisionNameToISO = map[subdivisionKey]string{
	// New Zealand
	{"nz", "Auckland"}:          "auk",
	{"nz", "Wellington"}:        "wgn",
	{"nz", "Canterbury"}:        "can",
	{"nz", "Otago"}:             "ota",
	{"nz", "Waikato"}:           "wai",
	{"nz", "Bay of Plenty"}:     "bop",
	{"nz", "Hawke's Bay"}:       "hkb",
	{"nz", "Manawatu-Wanganui"}: "mwt",
	{"nz", "Northland"}:         "ntl",
	{"nz", "Taranaki"}:          "tki",
	{"nz", "Southland"}:         "stl",
	{"nz", "Tasman"}:            "tas",
	{"nz", "Nelson"}:            "nsn",
	{"nz", "Marlborough"}:       "mbh",
	{"nz", "West Coast"}:        "wtc",
	{"nz", "Gisborne"}:          "gis",

	// Australia
	{"au", "New South Wales"}:              "nsw",
	{"au", "Queensland"}:                   "qld",
	{"au", "Victoria"}:                     "vic",
	{"au", "Western Australia"}:            "wa",
	{"au", "South Australia"}:              "sa",
	{"au", "Tasmania"}:                     "tas",
	{"au", "Northern Territory"}:           "nt",
	{"au", "Australian Capital Territory"}: "act",

	// United States
	{"us", "Alabama"}:              "al",
	{"us", "Alaska"}:               "ak",
	{"us", "Arizona"}:              "az",
	{"us", "Arkansas"}:             "ar",
	{"us", "California"}:           "ca",
	{"us", "Colorado"}:             "co",
	{"us", "Connecticut"}:          "ct",
	{"us", "Delaware"}:             "de",
	{"us", "Florida"}:              "fl",
	{"us", "Georgia"}:              "ga",
	{"us", "Hawaii"}:               "hi",
	{"us", "Idaho"}:                "id",
	{"us", "Illinois"}:             "il",
	{"us", "Indiana"}:              "in",
	{"us", "Iowa"}:                 "ia",
	{"us", "Kansas"}:               "ks",
	{"us", "Kentucky"}:             "ky",
	{"us", "Louisiana"}:            "la",
	{"us", "Maine"}:                "me",
	{"us", "Maryland"}:             "md",
	{"us", "Massachusetts"}:        "ma",
	{"us", "Michigan"}:             "mi",
	{"us", "Minnesota"}:            "mn",
	{"us", "Mississippi"}:          "ms",
	{"us", "Missouri"}:             "mo",
	{"us", "Montana"}:              "mt",
	{"us", "Nebraska"}:             "ne",
	{"us", "Nevada"}:               "nv",
	{"us", "New Hampshire"}:        "nh",
	{"us", "New Jersey"}:           "nj",
	{"us", "New Mexico"}:           "nm",
	{"us", "New York"}:             "ny",
	{"us", "North Carolina"}:       "nc",
	{"us", "North Dakota"}:         "nd",
	{"us", "Ohio"}:                 "oh",
	{"us", "Oklahoma"}:             "ok",
	{"us", "Oregon"}:               "or",
	{"us", "Pennsylvania"}:         "pa",
	{"us", "Rhode Island"}:         "ri",
	{"us", "South Carolina"}:       "sc",
	{"us", "South Dakota"}:         "sd",
	{"us", "Tennessee"}:            "tn",
	{"us", "Texas"}:                "tx",
	{"us", "Utah"}:                 "ut",
	{"us", "Vermont"}:              "vt",
	{"us", "Virginia"}:             "va",
	{"us", "Washington"}:           "wa",
	{"us", "West Virginia"}:        "wv",
	{"us", "Wisconsin"}:            "wi",
	{"us", "Wyoming"}:              "wy",
	{"us", "District of Columbia"}: "dc",

	// United Kingdom
	{"gb", "England"}:          "eng",
	{"gb", "Scotland"}:         "sct",
	{"gb", "Wales"}:            "wls",
	{"gb", "Northern Ireland"}: "nir",

	// Canada
	{"ca", "Ontario"}:                   "on",
	{"ca", "Quebec"}:                    "qc",
	{"ca", "British Columbia"}:          "bc",
	{"ca", "Alberta"}:                   "ab",
	{"ca", "Manitoba"}:                  "mb",
	{"ca", "Saskatchewan"}:              "sk",
	{"ca", "Nova Scotia"}:               "ns",
	{"ca", "New Brunswick"}:             "nb",
	{"ca", "Newfoundland and Labrador"}: "nl",
	{"ca", "Prince Edward Island"}:      "pe",
	{"ca", "Northwest Territories"}:     "nt",
	{"ca", "Yukon"}:                     "yt",
	{"ca", "Nunavut"}:                   "nu",

	// Germany
	{"de", "Bavaria"}:                "by",
	{"de", "Berlin"}:                 "be",
	{"de", "Hamburg"}:                "hh",
	{"de", "Hesse"}:                  "he",
	{"de", "North Rhine-Westphalia"}: "nw",
	{"de", "Saxony"}:                 "sn",
}

// CountryCode converts a resolver country name to its ISO 3166-1 alpha-2
// code, or Unknown.
func CountryCode(countryName string) string {
	if code, ok := countryNameToISO[countryName]; ok {
		return code
	}
	return Unknown
}

// SubdivisionCode converts an admin-1 name to its ISO 3166-2 subdivision
// code for the given country, or Unknown.
func SubdivisionCode(countryCode, admin1Name string) string {
	if countryCode == "" || admin1Name == "" {
		return Unknown
	}
	if code, ok := subdivisionNameToISO[subdivisionKey{countryCode, admin1Name}]; ok {
		return code
	}
	return Unknown
}
