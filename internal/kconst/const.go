// Package kconst holds the on-disk and in-memory layout constants shared
// across the filesystem and virtual-memory subsystems. They live in one
// place because the FAT allocator, the inode layer, the directory layer
// and the frame table all need to agree on the same geometry.
package kconst

const (
	// SectorSize is the size in bytes of one disk sector, and (since
	// SectorsPerCluster is 1) of one cluster.
	SectorSize = 512

	// SectorsPerCluster is fixed at 1: a cluster is one sector.
	SectorsPerCluster = 1

	// ClusterFree marks a FAT entry as unallocated.
	ClusterFree = 0

	// ClusterEOChain terminates an allocated chain.
	ClusterEOChain = 0xFFFFFFFF

	// RootDirCluster is the cluster number of the root directory's inode
	// sector.
	RootDirCluster = 1

	// InodeMagic tags a sector as holding a valid on-disk inode record.
	InodeMagic = 0x494e4f44

	// NameMax is the longest name (excluding NUL) a directory entry can hold.
	NameMax = 14

	// PathMax bounds the length of a resolvable path.
	PathMax = 128

	// DirEntrySize is the on-disk size of one directory entry record.
	DirEntrySize = 4 + (NameMax + 1) + 1 // inode_sector + name + in_use

	// SelfEntryOffset and ParentEntryOffset are the reserved slots for
	// "." and ".." inside every directory's data.
	SelfEntryOffset   = 0
	ParentEntryOffset = DirEntrySize

	// FirstRealEntryOffset is where ordinary entries begin.
	FirstRealEntryOffset = 2 * DirEntrySize

	// CacheSize is the number of slots in the buffer cache.
	CacheSize = 64

	// PageSize is the virtual-memory page size in bytes.
	PageSize = 4096

	// SectorsPerPage is how many disk sectors back one swap slot.
	SectorsPerPage = PageSize / SectorSize

	// MaxSymlinkExpansions bounds the fixed-point substitution loop used
	// during path resolution, since the source this kernel is modeled on
	// leaves it unbounded.
	MaxSymlinkExpansions = 8

	// StackGrowthLimit is how far below the top of the user address space
	// a faulting access may still be treated as legitimate stack growth.
	StackGrowthLimit = 1 << 20 // 1 MB

	// UserStackTop is the virtual address one past the highest byte a
	// user stack may occupy; the initial stack page starts PageSize below
	// it.
	UserStackTop = 1 << 32
)
