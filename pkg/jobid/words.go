package jobid

// adjectives and nouns are biology/astronomy themed dictionaries used to
// mint memorable job ids. Collision resistance comes entirely from the
// 6-hex suffix in New; these lists exist for human readability only.

var adjectives = []string{
	"orbital", "lunar", "solar", "stellar", "cosmic", "celestial", "galactic",
	"nebular", "polar", "arctic", "boreal", "tropical", "coastal", "alpine",
	"montane", "riparian", "volcanic", "tectonic", "glacial", "migratory",
	"nocturnal", "diurnal", "aquatic", "terrestrial", "amphibious", "avian",
	"feral", "dormant", "fertile", "luminous", "radiant", "eclipsed",
	"binary", "distant", "ancient", "emergent", "resonant", "quiet",
	"drifting", "wandering", "hidden", "sunlit", "shaded", "frozen",
	"thawed", "verdant", "arid", "humid", "briny", "mineral", "crystalline",
	"molten", "porous", "dense", "sparse", "clustered", "scattered",
	"spiraling", "orbiting", "tidal", "seismic", "magnetic", "charged",
	"ionized", "gaseous", "rocky", "icy", "dusty", "bright", "faint",
	"waning", "waxing", "gibbous", "crescent", "full", "new", "eclipsing",
	"transiting", "retrograde", "prograde", "synchronous", "elliptical",
	"circular", "inclined", "equatorial", "meridian", "zenith", "nadir",
	"subterranean", "canopy", "understory", "littoral", "pelagic", "abyssal",
	"benthic", "estuarine", "wetland", "tundral", "savanna", "deciduous",
	"evergreen", "perennial", "annual", "biennial", "symbiotic", "parasitic",
	"predatory", "herbivorous", "carnivorous", "omnivorous", "colonial",
	"solitary", "gregarious", "territorial", "sedentary", "itinerant",
	"camouflaged", "bioluminescent", "venomous", "armored", "winged",
	"finned", "clawed", "antlered", "spotted", "striped", "mottled",
	"speckled", "translucent", "opaque", "reflective", "refractive",
	"pulsating", "flickering", "shimmering", "glowing", "dim", "vivid",
	"pale", "vibrant", "muted", "saturated", "brackish", "freshwater",
	"saline", "alkaline", "acidic", "neutral", "buffered", "stratified",
	"layered", "banded", "rippled", "cratered", "fissured", "faulted",
	"uplifted", "subsided", "eroded", "weathered", "sedimentary",
	"igneous", "metamorphic",
}

var nouns = []string{
	"nebula", "comet", "asteroid", "meteor", "quasar", "pulsar", "supernova",
	"galaxy", "planet", "moon", "satellite", "orbit", "horizon", "eclipse",
	"aurora", "corona", "photon", "electron", "neutron", "proton", "isotope",
	"molecule", "enzyme", "protein", "genome", "chromosome", "cell",
	"organelle", "mitochondrion", "ribosome", "membrane", "cytoplasm",
	"neuron", "synapse", "cortex", "ganglion", "spore", "lichen", "moss",
	"fern", "conifer", "sapling", "canopy", "root", "rhizome", "bulb",
	"tuber", "pollen", "nectar", "chrysalis", "larva", "pupa", "mantis",
	"beetle", "cricket", "dragonfly", "firefly", "moth", "butterfly",
	"hornet", "termite", "coral", "anemone", "plankton", "krill", "nautilus",
	"octopus", "urchin", "starfish", "jellyfish", "barnacle", "mollusk",
	"otter", "badger", "lynx", "heron", "falcon", "osprey", "sparrow",
	"finch", "warbler", "kestrel", "condor", "ibis", "egret", "tern",
	"petrel", "auk", "puffin", "gull", "raven", "magpie", "wren", "thrush",
	"vireo", "tanager", "oriole", "swift", "martin", "swallow", "kingfisher",
	"woodpecker", "nuthatch", "creeper", "chickadee", "titmouse", "grosbeak",
	"bunting", "longspur", "pipit", "lark", "plover", "sandpiper", "curlew",
	"godwit", "dunlin", "avocet", "stilt", "rail", "bittern", "grebe",
	"loon", "cormorant", "pelican", "albatross", "shearwater", "fulmar",
	"frigatebird", "booby", "gannet", "skua", "jaeger", "glacier", "fjord",
	"delta", "estuary", "isthmus", "plateau", "canyon", "mesa", "butte",
	"ridge", "summit", "caldera", "geyser", "vent", "crater", "basin",
	"watershed", "tributary", "floodplain", "dune", "reef", "atoll",
	"lagoon", "marsh", "bog", "fen", "steppe", "prairie", "savanna",
	"taiga", "tundra", "rainforest", "mangrove", "oasis",
}
