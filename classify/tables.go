package classify

import (
	iface "RecycleDetServer/interface"
	"sort"
)

// Canonical category names produced by the resolver.
const (
	PlasticBottle    iface.Category = "plastic_bottle"
	PlasticContainer iface.Category = "plastic_container"
	PlasticBag       iface.Category = "plastic_bag"
	PlasticCup       iface.Category = "plastic_cup"
	Straw            iface.Category = "straw"
	PETBottle        iface.Category = "pet_bottle"
	HDPE             iface.Category = "hdpe"
	PET              iface.Category = "pet"
	PP               iface.Category = "pp"
	PS               iface.Category = "ps"
	PVC              iface.Category = "pvc"
	MetalCan         iface.Category = "metal_can"
	AluminumCan      iface.Category = "aluminum_can"
	IronCan          iface.Category = "iron_can"
	Metal            iface.Category = "metal"
	CopperWire       iface.Category = "copper_wire"
	ScrapMetal       iface.Category = "scrap_metal"
	Paper            iface.Category = "paper"
	Cardboard        iface.Category = "cardboard"
	Newspaper        iface.Category = "newspaper"
	Magazine         iface.Category = "magazine"
	Book             iface.Category = "book"
	GlassBottle      iface.Category = "glass_bottle"
	GlassJar         iface.Category = "glass_jar"
	EWaste           iface.Category = "e_waste"
	Battery          iface.Category = "battery"
	Tire             iface.Category = "tire"
	Wood             iface.Category = "wood"
	Textile          iface.Category = "textile"
	Ceramic          iface.Category = "ceramic"
	WasteOil         iface.Category = "waste_oil"
)

// directTable maps whole labels (lower-case) straight to a category.
// General-model words, the custom model's class names and the canonical names themselves.
var directTable = map[string]iface.Category{
	"glass":     GlassBottle,
	"bottle":    PlasticBottle,
	"can":       MetalCan,
	"box":       Cardboard,
	"paper":     Paper,
	"plastic":   PlasticBottle,
	"metal":     Metal,
	"container": PlasticContainer,
	"jar":       GlassJar,
	"cup":       PlasticCup,
	"bag":       PlasticBag,

	"alucan":        AluminumCan,
	"ironcan":       IronCan,
	"plasticbottle": PlasticBottle,
	"glassbottle":   GlassBottle,
}

// keywordTable is the full keyword -> category table used by substring matching.
var keywordTable = map[string]iface.Category{
	"bottle":    PlasticBottle,
	"plastic":   PlasticBottle,
	"container": PlasticContainer,
	"bag":       PlasticBag,
	"cup":       PlasticCup,
	"straw":     Straw,
	"hdpe":      HDPE,
	"pet":       PET,
	"pp":        PP,
	"ps":        PS,
	"pvc":       PVC,

	"can":      MetalCan,
	"aluminum": AluminumCan,
	"steel":    IronCan,
	"metal":    Metal,
	"wire":     CopperWire,
	"scrap":    ScrapMetal,

	"paper":     Paper,
	"cardboard": Cardboard,
	"newspaper": Newspaper,
	"magazine":  Magazine,
	"book":      Book,
	"box":       Cardboard,

	"glass": GlassBottle,
	"jar":   GlassJar,
	"wine":  GlassBottle,
	"beer":  GlassBottle,
	"water": PlasticBottle,

	"phone":       EWaste,
	"laptop":      EWaste,
	"computer":    EWaste,
	"electronics": EWaste,
	"battery":     Battery,

	"tire":    Tire,
	"wood":    Wood,
	"fabric":  Textile,
	"ceramic": Ceramic,
	"oil":     WasteOil,
}

// highConfidenceKeywords are checked before the full table.
var highConfidenceKeywords = []string{
	"bottle", "can", "paper", "glass", "plastic", "metal", "cardboard",
	"newspaper", "book", "phone", "laptop", "battery", "tire", "wood",
	"fabric", "ceramic", "container", "box", "jar", "cup", "bag", "wire",
	"scrap", "wine", "water",
}

var fallbackKeywords = []string{
	"bottle", "can", "box", "paper", "plastic", "glass", "metal",
}

// AllCategories lists every category the resolver can produce.
func AllCategories() []iface.Category {
	seen := map[iface.Category]bool{}
	var out []iface.Category
	add := func(c iface.Category) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range directTable {
		add(c)
	}
	for _, c := range keywordTable {
		add(c)
	}
	add(PETBottle)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
