package pdf

import (
	"bytes"
	"fmt"
	"sort"
)

// Update collects new and replaced objects and appends them to a document
// as an incremental update, leaving the original bytes untouched.
type Update struct {
	doc     *Document
	objects map[int]Object
	gens    map[int]int
	next    int
	trailer Dict
}

// NewUpdate starts an incremental update over doc.
func NewUpdate(doc *Document) *Update {
	return &Update{
		doc:     doc,
		objects: map[int]Object{},
		gens:    map[int]int{},
		next:    doc.Size(),
		trailer: Dict{},
	}
}

// Add stores a new object and returns its reference.
func (u *Update) Add(o Object) Ref {
	num := u.next
	u.next++
	u.objects[num] = o
	return Ref{Num: num}
}

// Set replaces an existing object.
func (u *Update) Set(ref Ref, o Object) {
	u.objects[ref.Num] = o
	u.gens[ref.Num] = ref.Gen
}

// SetTrailer sets an entry in the new trailer (for example /Info).
func (u *Update) SetTrailer(key Name, v Object) {
	u.trailer[key] = v
}

// Bytes renders the original document followed by the update section.
func (u *Update) Bytes() []byte {
	var buf bytes.Buffer
	orig := u.doc.Data()
	buf.Grow(len(orig) + 4096)
	buf.Write(orig)
	if len(orig) > 0 && orig[len(orig)-1] != '\n' && orig[len(orig)-1] != '\r' {
		buf.WriteByte('\n')
	}

	nums := make([]int, 0, len(u.objects))
	for n := range u.objects {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	offsets := make(map[int]int, len(nums))
	for _, n := range nums {
		offsets[n] = buf.Len()
		fmt.Fprintf(&buf, "%d %d obj\n", n, u.gens[n])
		writeObject(&buf, u.objects[n])
		buf.WriteString("\nendobj\n")
	}

	trailer := Dict{}
	for k, v := range u.doc.Trailer() {
		switch k {
		case "Prev", "XRefStm":
			continue
		}
		trailer[k] = v
	}
	for k, v := range u.trailer {
		trailer[k] = v
	}
	size := max(u.doc.Size(), u.next)
	trailer["Prev"] = u.doc.StartXref()

	xrefOffset := buf.Len()
	if u.doc.CrossRefStream() {
		// The stream describes itself, so it takes the next free number.
		self := size
		size++
		offsets[self] = xrefOffset
		nums = append(nums, self)
		trailer["Size"] = int64(size)
		writeXrefStream(&buf, self, nums, offsets, u.gens, trailer)
	} else {
		trailer["Size"] = int64(size)
		writeXrefTable(&buf, nums, offsets, u.gens, trailer)
	}
	fmt.Fprintf(&buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return buf.Bytes()
}

// subsections groups sorted object numbers into runs of consecutive numbers.
func subsections(nums []int) [][2]int {
	var out [][2]int
	for i := 0; i < len(nums); {
		j := i
		for j+1 < len(nums) && nums[j+1] == nums[j]+1 {
			j++
		}
		out = append(out, [2]int{nums[i], j - i + 1})
		i = j + 1
	}
	return out
}

func writeXrefTable(buf *bytes.Buffer, nums []int, offsets, gens map[int]int, trailer Dict) {
	buf.WriteString("xref\n")
	i := 0
	for _, sub := range subsections(nums) {
		fmt.Fprintf(buf, "%d %d\n", sub[0], sub[1])
		for k := 0; k < sub[1]; k++ {
			n := nums[i]
			i++
			fmt.Fprintf(buf, "%010d %05d n \n", offsets[n], gens[n])
		}
	}
	buf.WriteString("trailer\n")
	writeDict(buf, trailer)
}

func writeXrefStream(buf *bytes.Buffer, self int, nums []int, offsets, gens map[int]int, trailer Dict) {
	width := 1
	for limit := 256; offsets[self] >= limit && width < 8; limit <<= 8 {
		width++
	}
	var index Array
	for _, sub := range subsections(nums) {
		index = append(index, int64(sub[0]), int64(sub[1]))
	}
	rows := make([]byte, 0, len(nums)*(width+3))
	for _, n := range nums {
		rows = append(rows, 1)
		off := offsets[n]
		for shift := (width - 1) * 8; shift >= 0; shift -= 8 {
			rows = append(rows, byte(off>>shift))
		}
		rows = append(rows, byte(gens[n]>>8), byte(gens[n]))
	}

	dict := trailer.Clone()
	dict["Type"] = Name("XRef")
	dict["W"] = Array{int64(1), int64(width), int64(2)}
	dict["Index"] = index
	fmt.Fprintf(buf, "%d 0 obj\n", self)
	writeObject(buf, &Stream{Dict: dict, Data: rows})
	buf.WriteString("\nendobj")
}
