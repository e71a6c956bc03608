package annotate

import "image/color"

// Palette is the pose colour table.
var Palette = [20]color.RGBA{
	{255, 128, 0, 255}, {255, 153, 51, 255}, {255, 178, 102, 255}, {230, 230, 0, 255},
	{255, 153, 255, 255}, {153, 204, 255, 255}, {255, 102, 255, 255}, {255, 51, 255, 255},
	{102, 178, 255, 255}, {51, 153, 255, 255}, {255, 153, 153, 255}, {255, 102, 102, 255},
	{255, 51, 51, 255}, {153, 255, 153, 255}, {102, 255, 102, 255}, {51, 255, 51, 255},
	{0, 255, 0, 255}, {0, 0, 255, 255}, {255, 0, 0, 255}, {255, 255, 255, 255},
}

// Skeleton lists the limbs as one-based COCO keypoint index pairs.
var Skeleton = [19][2]int{
	{16, 14}, {14, 12}, {17, 15}, {15, 13}, {12, 13}, {6, 12}, {7, 13}, {6, 7}, {6, 8}, {7, 9},
	{8, 10}, {9, 11}, {2, 3}, {1, 2}, {1, 3}, {2, 4}, {3, 5}, {4, 6}, {5, 7},
}

// KeypointColorIndex maps each keypoint to its Palette entry.
var KeypointColorIndex = [17]int{16, 16, 16, 16, 16, 0, 0, 0, 0, 0, 0, 9, 9, 9, 9, 9, 9}

// LimbColorIndex maps each Skeleton limb to its Palette entry.
var LimbColorIndex = [19]int{9, 9, 9, 9, 7, 7, 7, 0, 0, 0, 0, 0, 16, 16, 16, 16, 16, 16, 16}
