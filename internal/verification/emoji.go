package verification

// Emoji is one entry of the fixed 64-symbol SAS emoji table (order is part
// of the protocol and must never change).
type Emoji struct {
	Symbol string
	Name   string
}

var sasEmojis = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Aeroplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}

// emojiIndices unpacks 6 raw SAS bytes into 7 indices of 6 bits each, per
// the fixed bit layout of the short-authentication-string emoji encoding.
func emojiIndices(b [6]byte) [7]uint8 {
	return [7]uint8{
		b[0] >> 2,
		(b[0]&0b11)<<4 | b[1]>>4,
		(b[1]&0b1111)<<2 | b[2]>>6,
		b[2] & 0b111111,
		b[3] >> 2,
		(b[3]&0b11)<<4 | b[4]>>4,
		(b[4]&0b1111)<<2 | b[5]>>6,
	}
}

// decimals unpacks the same 6 bytes into 3 values of 13 bits each, offset
// by 1000 (the decimal short-authentication-string form).
func decimals(b [6]byte) [3]uint16 {
	return [3]uint16{
		(uint16(b[0])<<5|uint16(b[1])>>3)&0x1FFF + 1000,
		(uint16(b[1]&0b111)<<10|uint16(b[2])<<2|uint16(b[3])>>6)&0x1FFF + 1000,
		(uint16(b[3]&0b111111)<<7|uint16(b[4])>>1)&0x1FFF + 1000,
	}
}

// SASEmojis returns the 7 emoji entries this session's generated bytes
// select, in display order.
func (s *Session) SASEmojis() ([7]Emoji, error) {
	bytes, err := s.sasBytes()
	if err != nil {
		return [7]Emoji{}, err
	}
	indices := emojiIndices(bytes)
	var out [7]Emoji
	for i, idx := range indices {
		out[i] = sasEmojis[idx]
	}
	return out, nil
}

// SASDecimals returns the 3 decimal short-authentication-string numbers.
func (s *Session) SASDecimals() ([3]uint16, error) {
	bytes, err := s.sasBytes()
	if err != nil {
		return [3]uint16{}, err
	}
	return decimals(bytes), nil
}
