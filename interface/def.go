package iface

// Category is one of the object classes counted by the server.
type Category string

const (
	Person     Category = "person"
	Bicycle    Category = "bicycle"
	Car        Category = "car"
	Motorcycle Category = "motorcycle"
	Bus        Category = "bus"
	Truck      Category = "truck"
)

// Categories lists every counted class in display order.
var Categories = []Category{Person, Bicycle, Car, Truck, Bus, Motorcycle}

// cocoClasses maps COCO class ids to counted categories. Any other id is ignored.
var cocoClasses = map[int]Category{
	0: Person,
	1: Bicycle,
	2: Car,
	3: Motorcycle,
	5: Bus,
	7: Truck,
}

// CategoryForClass returns the category for a COCO class id.
func CategoryForClass(classID int) (Category, bool) {
	c, ok := cocoClasses[classID]
	return c, ok
}

// CategoryForName returns the category for a class label such as "car".
func CategoryForName(name string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == name {
			return c, true
		}
	}
	return "", false
}

// NewCounts returns a zeroed count map with every category present.
func NewCounts() map[Category]int {
	m := make(map[Category]int, len(Categories))
	for _, c := range Categories {
		m[c] = 0
	}
	return m
}
